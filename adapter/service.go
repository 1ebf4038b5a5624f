package adapter

import (
	F "github.com/sagernet/sing/common/format"
	M "github.com/sagernet/sing/common/metadata"
)

type Service interface {
	Start() error
	Close() error
}

// ConnectionIdentity is the 4-tuple naming one relay session: the client-leg
// peer and the target-leg peer. It is computed once both legs are
// established and tags every log line and transform invocation.
type ConnectionIdentity struct {
	Source      M.Socksaddr
	Destination M.Socksaddr
}

func (i ConnectionIdentity) String() string {
	return F.ToString(i.Source, " -> ", i.Destination)
}

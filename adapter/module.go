package adapter

import (
	"context"

	M "github.com/sagernet/sing/common/metadata"
)

// Module is a single transform in a relay pipeline. Transform receives the
// per-leg message sequence number, the leg endpoints the payload travels
// between, and the payload produced by the previous module, and returns the
// payload to hand to the next module. Modules must not retain the payload
// slice after returning.
type Module interface {
	Name() string
	Description() string
	Transform(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error)
}

package pipeline

import (
	"context"

	"github.com/sagernet/sing-intercept/adapter"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
)

type Direction uint8

const (
	// DirectionClient transforms client-origin payloads before they are
	// forwarded to the target leg.
	DirectionClient Direction = iota
	// DirectionServer transforms target-origin payloads before they are
	// forwarded back to the client leg.
	DirectionServer
)

func (d Direction) String() string {
	switch d {
	case DirectionClient:
		return "client"
	case DirectionServer:
		return "server"
	default:
		return "unknown"
	}
}

// Pipeline is an immutable ordered module chain, snapshotted once per
// session so that reloads never race with in-flight relaying.
type Pipeline struct {
	modules []adapter.Module
}

func (p Pipeline) Len() int {
	return len(p.modules)
}

func (p Pipeline) Modules() []adapter.Module {
	return p.modules
}

// Apply runs the payload through every module in registration order, each
// consuming the previous module's output. Any module failure, and a module
// returning no payload, propagates to the caller; there is no retry and no
// partial-application rollback.
func (p Pipeline) Apply(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error) {
	for _, module := range p.modules {
		transformed, err := module.Transform(ctx, seq, source, destination, payload)
		if err != nil {
			return nil, E.Cause(err, "module ", module.Name(), ": transform message #", seq)
		}
		if transformed == nil {
			return nil, E.New("module ", module.Name(), " returned no payload for message #", seq)
		}
		payload = transformed
	}
	return payload, nil
}

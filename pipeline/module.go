package pipeline

import (
	"context"

	"github.com/sagernet/sing-intercept/adapter"
	M "github.com/sagernet/sing/common/metadata"
)

type TransformFunc func(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error)

var _ adapter.Module = (*funcModule)(nil)

type funcModule struct {
	name        string
	description string
	transform   TransformFunc
}

// NewModule wraps a plain transform function as an adapter.Module.
func NewModule(name string, description string, transform TransformFunc) adapter.Module {
	return &funcModule{
		name:        name,
		description: description,
		transform:   transform,
	}
}

func (m *funcModule) Name() string {
	return m.name
}

func (m *funcModule) Description() string {
	return m.description
}

func (m *funcModule) Transform(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error) {
	return m.transform(ctx, seq, source, destination, payload)
}

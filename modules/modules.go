// Package modules ships the built-in transform modules referenced by name
// from the modules section of the configuration.
package modules

import (
	"context"
	"encoding/hex"

	"github.com/sagernet/sing-intercept/adapter"
	"github.com/sagernet/sing-intercept/log"
	"github.com/sagernet/sing-intercept/pipeline"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
)

// New resolves a built-in module by name.
func New(name string, logger log.ContextLogger) (adapter.Module, error) {
	switch name {
	case "uppercase":
		return NewUppercase(), nil
	case "hexdump":
		return NewHexDump(logger), nil
	default:
		return nil, E.New("unknown module: ", name)
	}
}

// NewUppercase maps ASCII letters in the payload to upper case.
func NewUppercase() adapter.Module {
	return pipeline.NewModule("uppercase", "Uppercase ASCII letters in relayed payloads",
		func(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error) {
			transformed := make([]byte, len(payload))
			for i, b := range payload {
				if b >= 'a' && b <= 'z' {
					b -= 'a' - 'A'
				}
				transformed[i] = b
			}
			return transformed, nil
		})
}

// NewHexDump logs each payload as a hex dump and forwards it unmodified.
func NewHexDump(logger log.ContextLogger) adapter.Module {
	return pipeline.NewModule("hexdump", "Log relayed payloads as hex dumps",
		func(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error) {
			logger.InfoContext(ctx, "message #", seq, " ", source, " -> ", destination, "\n", hex.Dump(payload))
			return payload, nil
		})
}

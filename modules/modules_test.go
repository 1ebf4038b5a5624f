package modules_test

import (
	"context"
	"io"
	"testing"

	"github.com/sagernet/sing-intercept/log"
	"github.com/sagernet/sing-intercept/modules"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/stretchr/testify/require"
)

func TestUppercase(t *testing.T) {
	t.Parallel()
	module := modules.NewUppercase()
	output, err := module.Transform(context.Background(), 1, M.Socksaddr{}, M.Socksaddr{}, []byte("hello, World! 123"))
	require.NoError(t, err)
	require.Equal(t, []byte("HELLO, WORLD! 123"), output)
}

func TestHexDumpPreservesPayload(t *testing.T) {
	t.Parallel()
	factory := log.NewFactory(log.Formatter{DisableTimestamp: true}, io.Discard)
	defer factory.Close()
	module := modules.NewHexDump(factory.NewLogger("test"))
	payload := []byte{0x00, 0x01, 0xff, 'a'}
	output, err := module.Transform(context.Background(), 1, M.Socksaddr{}, M.Socksaddr{}, payload)
	require.NoError(t, err)
	require.Equal(t, payload, output)
}

func TestLookup(t *testing.T) {
	t.Parallel()
	factory := log.NewFactory(log.Formatter{DisableTimestamp: true}, io.Discard)
	defer factory.Close()
	module, err := modules.New("uppercase", factory.NewLogger("test"))
	require.NoError(t, err)
	require.Equal(t, "uppercase", module.Name())
	require.NotEmpty(t, module.Description())

	_, err = modules.New("missing", factory.NewLogger("test"))
	require.Error(t, err)
}

package constant

import "time"

const (
	// BufferSize is the chunk size used when draining a relay leg. A read
	// shorter than this is taken as the end of the currently available data.
	BufferSize = 4096

	// PollInterval bounds every blocking accept and read so the running
	// flag is observed without a wakeup signal.
	PollInterval = time.Second

	// TCPConnectTimeout bounds the outbound dial to the relay target.
	TCPConnectTimeout = 15 * time.Second

	// StopTimeout bounds the wait for relay sessions to exit during stop.
	StopTimeout = 5 * time.Second
)

const DefaultListenAddress = "127.0.0.1"

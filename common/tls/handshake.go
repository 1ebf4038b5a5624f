package tls

import (
	"context"
	"crypto/tls"
	"net"

	E "github.com/sagernet/sing/common/exceptions"
)

// ServerHandshake wraps a just-accepted inbound leg as a TLS server and
// completes the handshake before the connection enters the relay loop.
func ServerHandshake(ctx context.Context, conn net.Conn, config *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, config)
	err := tlsConn.HandshakeContext(ctx)
	if err != nil {
		return nil, E.Cause(err, "TLS server handshake")
	}
	return tlsConn, nil
}

// ClientHandshake wraps the outbound leg as a TLS client.
func ClientHandshake(ctx context.Context, conn net.Conn, config *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, config)
	err := tlsConn.HandshakeContext(ctx)
	if err != nil {
		return nil, E.Cause(err, "TLS client handshake")
	}
	return tlsConn, nil
}

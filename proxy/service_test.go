package proxy_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	stls "github.com/sagernet/sing-intercept/common/tls"
	"github.com/sagernet/sing-intercept/log"
	"github.com/sagernet/sing-intercept/option"
	"github.com/sagernet/sing-intercept/pipeline"
	"github.com/sagernet/sing-intercept/proxy"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/stretchr/testify/require"
)

func testFactory(t *testing.T) log.Factory {
	factory := log.NewFactory(log.Formatter{DisableTimestamp: true}, io.Discard)
	t.Cleanup(func() {
		factory.Close()
	})
	return factory
}

func startService(t *testing.T, manager *pipeline.Manager, options option.ProxyOptions) *proxy.Service {
	service, err := proxy.New(context.Background(), testFactory(t), manager, options)
	require.NoError(t, err)
	require.NoError(t, service.Start())
	t.Cleanup(func() {
		service.Close()
	})
	return service
}

// startEchoTarget runs a TCP server that writes every received payload back
// to its peer, optionally behind TLS.
func startEchoTarget(t *testing.T, tlsConfig *tls.Config) uint16 {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		listener.Close()
	})
	go func() {
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			go func() {
				defer conn.Close()
				if tlsConfig != nil {
					tlsConn := tls.Server(conn, tlsConfig)
					if tlsConn.Handshake() != nil {
						return
					}
					conn = tlsConn
				}
				buffer := make([]byte, 4096)
				for {
					n, readErr := conn.Read(buffer)
					if n > 0 {
						if _, writeErr := conn.Write(buffer[:n]); writeErr != nil {
							return
						}
					}
					if readErr != nil {
						return
					}
				}
			}()
		}
	}()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

func plainOptions(targetPort uint16) option.ProxyOptions {
	return option.ProxyOptions{
		Listen:     "127.0.0.1",
		ListenPort: 0,
		TargetHost: "127.0.0.1",
		TargetPort: targetPort,
	}
}

func roundTrip(t *testing.T, conn net.Conn, send string, expect string) {
	_, err := conn.Write([]byte(send))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	received := make([]byte, len(expect))
	_, err = io.ReadFull(conn, received)
	require.NoError(t, err)
	require.Equal(t, expect, string(received))
}

func generateKeyPair(t *testing.T, serverName string) (certPath string, pool *x509.CertPool) {
	_, publicPem, privatePem, err := stls.GenerateKeyPair(serverName, time.Hour)
	require.NoError(t, err)
	certPath = filepath.Join(t.TempDir(), "server.pem")
	require.NoError(t, stls.WriteKeyPair(certPath, publicPem, privatePem))
	pool = x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(publicPem))
	return
}

func TestRelayPlain(t *testing.T) {
	t.Parallel()
	targetPort := startEchoTarget(t, nil)
	manager := pipeline.NewManager()
	manager.Register(pipeline.DirectionClient, pipeline.NewModule("uppercase", "uppercase ASCII",
		func(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error) {
			transformed := make([]byte, len(payload))
			for i, b := range payload {
				if b >= 'a' && b <= 'z' {
					b -= 'a' - 'A'
				}
				transformed[i] = b
			}
			return transformed, nil
		}))
	service := startService(t, manager, plainOptions(targetPort))

	conn, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Client payload passes the client pipeline; the echo comes back
	// through the empty server pipeline unmodified.
	roundTrip(t, conn, "hello", "HELLO")
}

func TestSequenceNumbers(t *testing.T) {
	t.Parallel()
	targetPort := startEchoTarget(t, nil)
	var access sync.Mutex
	var seqs []uint64
	manager := pipeline.NewManager()
	manager.Register(pipeline.DirectionClient, pipeline.NewModule("recorder", "record sequence numbers",
		func(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error) {
			access.Lock()
			seqs = append(seqs, seq)
			access.Unlock()
			return payload, nil
		}))
	service := startService(t, manager, plainOptions(targetPort))

	conn, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Wait for each echo before sending the next message so the relay
	// observes three distinct messages.
	roundTrip(t, conn, "one", "one")
	roundTrip(t, conn, "two", "two")
	roundTrip(t, conn, "three", "three")

	access.Lock()
	defer access.Unlock()
	require.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	targetPort := startEchoTarget(t, nil)
	service := startService(t, pipeline.NewManager(), plainOptions(targetPort))

	conn, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn, "ping", "ping")
	require.True(t, service.IsRunning())

	require.NoError(t, service.Close())
	require.False(t, service.IsRunning())
	require.Equal(t, 0, service.ConnectionCount())
	require.Empty(t, service.Sessions())

	// The forced close must unblock the relayed client.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	// The controller supports restarting after a stop.
	require.NoError(t, service.Start())
	conn2, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	defer conn2.Close()
	roundTrip(t, conn2, "pong", "pong")
	require.NoError(t, service.Close())
}

func TestUnreachableTarget(t *testing.T) {
	t.Parallel()
	// Bind and immediately release a port so the target is unreachable.
	deadListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := uint16(deadListener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, deadListener.Close())

	var invocations atomic.Int64
	manager := pipeline.NewManager()
	manager.Register(pipeline.DirectionClient, pipeline.NewModule("counter", "count invocations",
		func(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error) {
			invocations.Add(1)
			return payload, nil
		}))
	service := startService(t, manager, plainOptions(deadPort))

	conn, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.Write([]byte("never relayed"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return service.ConnectionCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
	require.Zero(t, invocations.Load())
	require.True(t, service.IsRunning())
}

func TestModuleFailureAbortsSessionOnly(t *testing.T) {
	t.Parallel()
	targetPort := startEchoTarget(t, nil)
	manager := pipeline.NewManager()
	manager.Register(pipeline.DirectionClient, pipeline.NewModule("broken", "always fails",
		func(ctx context.Context, seq uint64, source M.Socksaddr, destination M.Socksaddr, payload []byte) ([]byte, error) {
			return nil, E.New("boom")
		}))
	service := startService(t, manager, plainOptions(targetPort))

	conn, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("trigger"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	// The listener keeps accepting after the failed session.
	require.True(t, service.IsRunning())
	conn2, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	defer conn2.Close()
	require.Eventually(t, func() bool {
		return len(service.Sessions()) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLocalTLS(t *testing.T) {
	t.Parallel()
	targetPort := startEchoTarget(t, nil)
	certPath, pool := generateKeyPair(t, "localhost")

	options := plainOptions(targetPort)
	options.TLS = &option.InboundTLSOptions{
		Enabled:         true,
		CertificatePath: certPath,
	}
	service := startService(t, pipeline.NewManager(), options)

	conn, err := tls.Dial("tcp", service.ListenAddr().String(), &tls.Config{
		ServerName: "localhost",
		RootCAs:    pool,
	})
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn, "secret", "secret")
}

func TestRemoteTLS(t *testing.T) {
	t.Parallel()
	certPath, _ := generateKeyPair(t, "localhost")
	keyPair, err := tls.LoadX509KeyPair(certPath, certPath)
	require.NoError(t, err)
	targetPort := startEchoTarget(t, &tls.Config{Certificates: []tls.Certificate{keyPair}})

	options := plainOptions(targetPort)
	options.RemoteTLS = &option.OutboundTLSOptions{
		Enabled:  true,
		Insecure: true,
	}
	service := startService(t, pipeline.NewManager(), options)

	conn, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn, "covert", "covert")
}

func TestRemoteTLSClientCertificateRequired(t *testing.T) {
	t.Parallel()
	certPath, _ := generateKeyPair(t, "localhost")
	keyPair, err := tls.LoadX509KeyPair(certPath, certPath)
	require.NoError(t, err)
	targetPort := startEchoTarget(t, &tls.Config{
		Certificates: []tls.Certificate{keyPair},
		ClientAuth:   tls.RequireAnyClientCert,
	})

	options := plainOptions(targetPort)
	options.RemoteTLS = &option.OutboundTLSOptions{
		Enabled:  true,
		Insecure: true,
	}
	service := startService(t, pipeline.NewManager(), options)

	// The handshake fails without a client certificate; the session is
	// torn down before relaying starts.
	conn, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	// The listener is unaffected and keeps accepting.
	require.True(t, service.IsRunning())
	conn2, err := net.Dial("tcp", service.ListenAddr().String())
	require.NoError(t, err)
	conn2.Close()
}

func TestInvalidConfiguration(t *testing.T) {
	t.Parallel()
	_, err := proxy.New(context.Background(), testFactory(t), pipeline.NewManager(), option.ProxyOptions{})
	require.Error(t, err)

	_, err = proxy.New(context.Background(), testFactory(t), pipeline.NewManager(), option.ProxyOptions{
		TargetHost: "127.0.0.1",
		TargetPort: 9090,
		TLS: &option.InboundTLSOptions{
			Enabled:         true,
			CertificatePath: filepath.Join(t.TempDir(), "absent.pem"),
		},
	})
	require.Error(t, err)
}

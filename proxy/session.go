package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sagernet/sing-intercept/adapter"
	"github.com/sagernet/sing-intercept/common/tls"
	C "github.com/sagernet/sing-intercept/constant"
	"github.com/sagernet/sing-intercept/log"
	"github.com/sagernet/sing-intercept/pipeline"
	"github.com/sagernet/sing/common/atomic"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/gofrs/uuid/v5"
)

// Session owns both legs of one relayed connection. It moves through
// connect, optional per-leg TLS negotiation, relay, and close; every failure
// along the way tears down this session only.
type Session struct {
	id        uuid.UUID
	service   *Service
	ctx       context.Context
	cancel    context.CancelFunc
	logger    log.ContextLogger
	createdAt time.Time

	// Raw leg sockets stay registered for forced shutdown even when the
	// relay runs over their TLS wrappers.
	rawClient net.Conn
	rawServer net.Conn

	clientConn net.Conn
	serverConn net.Conn
	identity   adapter.ConnectionIdentity

	clientPipeline pipeline.Pipeline
	serverPipeline pipeline.Pipeline
	clientSeq      atomic.Uint64
	serverSeq      atomic.Uint64

	closeOnce sync.Once
}

func newSession(service *Service, conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(service.ctx)
	session := &Session{
		id:             uuid.Must(uuid.NewV4()),
		service:        service,
		ctx:            log.ContextWithNewID(ctx),
		cancel:         cancel,
		logger:         service.logFactory.NewLogger(F.ToString("session[", conn.RemoteAddr(), "]")),
		createdAt:      time.Now(),
		rawClient:      conn,
		clientConn:     conn,
		clientPipeline: service.manager.Pipeline(pipeline.DirectionClient),
		serverPipeline: service.manager.Pipeline(pipeline.DirectionServer),
	}
	service.registry.insert(conn)
	return session
}

func (s *Session) run() {
	defer s.service.sessions.Done()
	defer s.finish()
	err := s.connect()
	if err != nil {
		s.logger.ErrorContext(s.ctx, err)
		return
	}
	s.service.registry.insertSession(s)
	defer s.service.registry.removeSession(s)
	s.relay()
}

// connect opens the target leg and negotiates TLS independently on each leg
// as configured. Any failure here means the session never enters the relay
// loop.
func (s *Session) connect() error {
	destination := M.ParseSocksaddrHostPort(s.service.options.TargetHost, s.service.options.TargetPort)
	dialer := net.Dialer{Timeout: C.TCPConnectTimeout}
	serverConn, err := dialer.DialContext(s.ctx, "tcp", destination.String())
	if err != nil {
		return E.Cause(err, "connect to ", destination)
	}
	s.rawServer = serverConn
	s.serverConn = serverConn
	s.service.registry.insert(serverConn)

	s.identity = adapter.ConnectionIdentity{
		Source:      M.SocksaddrFromNet(s.clientConn.RemoteAddr()),
		Destination: M.SocksaddrFromNet(serverConn.RemoteAddr()),
	}
	s.logger = s.service.logFactory.NewLogger(F.ToString("session[", s.identity, "]"))

	if s.service.clientTLS != nil {
		tlsConn, handshakeErr := tls.ClientHandshake(s.ctx, serverConn, s.service.clientTLS)
		if handshakeErr != nil {
			return E.Cause(handshakeErr, "remote leg")
		}
		s.serverConn = tlsConn
	}
	if s.service.serverTLS != nil {
		tlsConn, handshakeErr := tls.ServerHandshake(s.ctx, s.clientConn, s.service.serverTLS.STDConfig())
		if handshakeErr != nil {
			return E.Cause(handshakeErr, "local leg")
		}
		s.clientConn = tlsConn
	}
	s.logger.InfoContext(s.ctx, "connected to server")
	return nil
}

// relay pumps both directions until either leg closes, either pump fails, or
// the running flag goes false.
func (s *Session) relay() {
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.pump(pipeline.DirectionClient, s.clientConn, s.serverConn, &s.clientSeq, s.clientPipeline, s.identity.Source, s.identity.Destination)
	}()
	go func() {
		defer pumps.Done()
		s.pump(pipeline.DirectionServer, s.serverConn, s.clientConn, &s.serverSeq, s.serverPipeline, s.identity.Destination, s.identity.Source)
	}()
	pumps.Wait()
}

func (s *Session) pump(direction pipeline.Direction, source net.Conn, destination net.Conn, seq *atomic.Uint64, line pipeline.Pipeline, from M.Socksaddr, to M.Socksaddr) {
	// The first pump to exit for any reason ends the session; the forced
	// close unblocks the opposite pump.
	defer s.finish()
	chunk := make([]byte, C.BufferSize)
	for s.service.running.Load() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		source.SetReadDeadline(time.Now().Add(C.PollInterval))
		payload, err := drain(source, chunk)
		if len(payload) > 0 {
			messageSeq := seq.Add(1)
			transformed, applyErr := line.Apply(s.ctx, messageSeq, from, to, payload)
			if applyErr != nil {
				s.logger.ErrorContext(s.ctx, E.Cause(applyErr, direction, " pipeline"))
				return
			}
			if _, writeErr := destination.Write(transformed); writeErr != nil {
				if !E.IsClosedOrCanceled(writeErr) {
					s.logger.ErrorContext(s.ctx, E.Cause(writeErr, "forward ", direction, " message #", messageSeq))
				}
				return
			}
			s.logger.DebugContext(s.ctx, direction, " message #", messageSeq, ": ", len(payload), " bytes in, ", len(transformed), " bytes out")
		}
		if err != nil {
			if E.IsTimeout(err) {
				continue
			}
			switch {
			case err == io.EOF:
				s.logger.DebugContext(s.ctx, direction, " leg closed by peer")
			case E.IsClosedOrCanceled(err):
			default:
				s.logger.ErrorContext(s.ctx, E.Cause(err, direction, " leg read"))
			}
			return
		}
	}
}

// drain reads everything immediately available from conn into one payload,
// stopping at the first read shorter than the chunk.
func drain(conn net.Conn, chunk []byte) ([]byte, error) {
	var payload []byte
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			payload = append(payload, chunk[:n]...)
		}
		if err != nil {
			return payload, err
		}
		if n < len(chunk) {
			return payload, nil
		}
	}
}

// finish closes both legs and deregisters them. Safe to call from any pump
// and from the connect failure path; errors on close are swallowed.
func (s *Session) finish() {
	s.closeOnce.Do(func() {
		s.cancel()
		for _, conn := range []net.Conn{s.clientConn, s.serverConn, s.rawClient, s.rawServer} {
			if conn != nil {
				conn.Close()
			}
		}
		s.service.registry.remove(s.rawClient)
		if s.rawServer != nil {
			s.service.registry.remove(s.rawServer)
		}
		s.logger.InfoContext(s.ctx, "closed")
	})
}

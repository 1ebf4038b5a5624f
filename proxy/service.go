package proxy

import (
	"context"
	stdtls "crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/sagernet/sing-intercept/adapter"
	"github.com/sagernet/sing-intercept/common/tls"
	C "github.com/sagernet/sing-intercept/constant"
	"github.com/sagernet/sing-intercept/log"
	"github.com/sagernet/sing-intercept/option"
	"github.com/sagernet/sing-intercept/pipeline"
	"github.com/sagernet/sing/common"
	"github.com/sagernet/sing/common/atomic"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
)

var _ adapter.Service = (*Service)(nil)

// Service is the relay lifecycle controller: it validates configuration,
// owns the listener, spawns one Session per accepted connection, and stops
// everything with the flag-then-force-close protocol.
type Service struct {
	ctx        context.Context
	logger     log.ContextLogger
	logFactory log.Factory
	options    option.ProxyOptions
	manager    *pipeline.Manager
	serverTLS  *tls.ServerConfig
	clientTLS  *stdtls.Config

	access   sync.Mutex
	running  atomic.Bool
	listener *net.TCPListener
	registry *registry
	sessions sync.WaitGroup
}

// New fails fast on invalid configuration: unparseable addresses, missing
// target, and TLS toggles with unreadable certificate material are all
// rejected here, before any socket is opened.
func New(ctx context.Context, logFactory log.Factory, manager *pipeline.Manager, options option.ProxyOptions) (*Service, error) {
	err := options.Validate()
	if err != nil {
		return nil, err
	}
	logger := logFactory.NewLogger("proxy")
	serverTLS, err := tls.NewServerConfig(logger, common.PtrValueOrDefault(options.TLS))
	if err != nil {
		return nil, err
	}
	clientTLS, err := tls.NewClientConfig(options.TargetHost, common.PtrValueOrDefault(options.RemoteTLS))
	if err != nil {
		return nil, err
	}
	return &Service{
		ctx:        ctx,
		logger:     logger,
		logFactory: logFactory,
		options:    options,
		manager:    manager,
		serverTLS:  serverTLS,
		clientTLS:  clientTLS,
		registry:   newRegistry(),
	}, nil
}

func (s *Service) Start() error {
	s.access.Lock()
	defer s.access.Unlock()
	if s.running.Load() {
		return E.New("proxy already started")
	}
	listen := s.options.Listen
	if listen == "" {
		listen = C.DefaultListenAddress
	}
	listenAddr, err := net.ResolveTCPAddr("tcp", M.ParseSocksaddrHostPort(listen, s.options.ListenPort).String())
	if err != nil {
		return E.Cause(err, "resolve listen address")
	}
	listener, err := net.ListenTCP("tcp", listenAddr)
	if err != nil {
		return E.Cause(err, "listen at ", listenAddr)
	}
	if s.serverTLS != nil {
		err = s.serverTLS.Start()
		if err != nil {
			listener.Close()
			return E.Cause(err, "start certificate watcher")
		}
	}
	s.listener = listener
	s.running.Store(true)
	go s.loopAccept(listener)
	s.logger.Info("listening at ", listener.Addr(), ", relaying to ", M.ParseSocksaddrHostPort(s.options.TargetHost, s.options.TargetPort))
	return nil
}

// loopAccept accepts with a bounded deadline so shutdown is observed without
// a wakeup. A non-timeout accept error is fatal to the listener only:
// the loop exits and flips the running flag; live sessions then wind down at
// their next poll.
func (s *Service) loopAccept(listener *net.TCPListener) {
	defer func() {
		s.access.Lock()
		if s.listener == listener {
			s.listener = nil
			s.running.Store(false)
			listener.Close()
		}
		s.access.Unlock()
	}()
	for s.running.Load() {
		listener.SetDeadline(time.Now().Add(C.PollInterval))
		conn, err := listener.AcceptTCP()
		if err != nil {
			if E.IsTimeout(err) {
				continue
			}
			if !s.running.Load() || E.IsClosedOrCanceled(err) {
				return
			}
			s.logger.Error(E.Cause(err, "accept connection"))
			return
		}
		s.logger.Info("new connection from ", conn.RemoteAddr())
		session := newSession(s, conn)
		s.sessions.Add(1)
		go session.run()
	}
}

// Close implements stop: flip the running flag, force-close the listener and
// every tracked leg socket to unblock all pending reads and writes, then
// join the relay sessions with a bounded timeout.
func (s *Service) Close() error {
	s.access.Lock()
	wasRunning := s.running.Swap(false)
	listener := s.listener
	s.listener = nil
	s.access.Unlock()
	if !wasRunning {
		return nil
	}
	if listener != nil {
		listener.Close()
	}
	s.registry.closeAll()
	if !waitTimeout(&s.sessions, C.StopTimeout) {
		s.logger.Warn("timed out waiting for relay sessions to exit")
	}
	if s.serverTLS != nil {
		s.serverTLS.Close()
	}
	s.logger.Info("proxy stopped")
	return nil
}

// Toggle starts the proxy when stopped and stops it when running.
func (s *Service) Toggle() error {
	if s.IsRunning() {
		return s.Close()
	}
	return s.Start()
}

func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// ListenAddr reports the bound listener address while running.
func (s *Service) ListenAddr() net.Addr {
	s.access.Lock()
	defer s.access.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount reports the number of tracked leg sockets.
func (s *Service) ConnectionCount() int {
	return s.registry.size()
}

// Sessions reports a snapshot of the live sessions.
func (s *Service) Sessions() []SessionInfo {
	return s.registry.sessionInfos()
}

func (s *Service) Options() option.ProxyOptions {
	return s.options
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

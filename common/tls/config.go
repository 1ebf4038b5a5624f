package tls

import (
	"crypto/tls"

	"github.com/sagernet/sing-intercept/adapter"
	"github.com/sagernet/sing-intercept/option"
	"github.com/sagernet/sing/common/atomic"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"

	"github.com/fsnotify/fsnotify"
)

var _ adapter.Service = (*ServerConfig)(nil)

// ServerConfig holds the local-leg key pair and reloads it from disk when the
// certificate or key file changes. Sessions established after a reload use
// the refreshed pair; in-flight sessions keep the one they negotiated with.
type ServerConfig struct {
	logger          logger.Logger
	certificatePath string
	keyPath         string
	certificate     atomic.TypedValue[*tls.Certificate]
	watcher         *fsnotify.Watcher
}

// NewServerConfig loads the key pair eagerly so that an unreadable or
// malformed certificate fails before any socket is opened. The key defaults
// to the certificate file, which may be a combined PEM.
func NewServerConfig(logger logger.Logger, options option.InboundTLSOptions) (*ServerConfig, error) {
	if !options.Enabled {
		return nil, nil
	}
	if options.CertificatePath == "" {
		return nil, E.New("TLS enabled on local leg without certificate_path")
	}
	keyPath := options.KeyPath
	if keyPath == "" {
		keyPath = options.CertificatePath
	}
	config := &ServerConfig{
		logger:          logger,
		certificatePath: options.CertificatePath,
		keyPath:         keyPath,
	}
	err := config.reloadKeyPair()
	if err != nil {
		return nil, err
	}
	return config, nil
}

// STDConfig resolves the certificate per handshake, so reloads take effect
// without rebuilding the listener.
func (c *ServerConfig) STDConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(info *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return c.certificate.Load(), nil
		},
	}
}

func (c *ServerConfig) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = watcher.Add(c.certificatePath)
	if err != nil {
		watcher.Close()
		return err
	}
	if c.keyPath != c.certificatePath {
		err = watcher.Add(c.keyPath)
		if err != nil {
			watcher.Close()
			return err
		}
	}
	c.watcher = watcher
	go c.loopUpdate()
	return nil
}

func (c *ServerConfig) loopUpdate() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}
			err := c.reloadKeyPair()
			if err != nil {
				c.logger.Error(E.Cause(err, "reload TLS key pair"))
				continue
			}
			c.logger.Info("reloaded TLS certificate")
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error(E.Cause(err, "fsnotify error"))
		}
	}
}

func (c *ServerConfig) reloadKeyPair() error {
	keyPair, err := tls.LoadX509KeyPair(c.certificatePath, c.keyPath)
	if err != nil {
		return E.Cause(err, "load TLS key pair from ", c.certificatePath)
	}
	c.certificate.Store(&keyPair)
	return nil
}

func (c *ServerConfig) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// NewClientConfig builds the remote-leg TLS configuration with default trust
// verification, optionally presenting a client certificate.
func NewClientConfig(serverName string, options option.OutboundTLSOptions) (*tls.Config, error) {
	if !options.Enabled {
		return nil, nil
	}
	if options.ServerName != "" {
		serverName = options.ServerName
	}
	config := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: options.Insecure,
	}
	if options.CertificatePath != "" {
		keyPath := options.KeyPath
		if keyPath == "" {
			keyPath = options.CertificatePath
		}
		keyPair, err := tls.LoadX509KeyPair(options.CertificatePath, keyPath)
		if err != nil {
			return nil, E.Cause(err, "load client TLS key pair from ", options.CertificatePath)
		}
		config.Certificates = []tls.Certificate{keyPair}
	}
	return config, nil
}

package tls

import (
	"context"
	"log/slog"
	"net"
	"pvd-tls/session/tls/engine"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type ServerOptions struct {
	// Engine selects one engine. Empty takes the first engine that activates.
	Engine string
	// Nil uses DefaultRegistry.
	Registry *engine.Registry

	MinVersion uint16
	// Zero uses DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Metrics *Metrics
}

// Server is a TLS server credential.
type Server struct {
	engine     engine.Server
	engineName string
	driver     *driver

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewServer activates a server engine with the certificate at certPath.
// An empty keyPath reads the key from certPath too.
func NewServer(logger *slog.Logger, clk clock.Clock, certPath, keyPath string, opts ServerOptions) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.New()
	}
	if keyPath == "" {
		keyPath = certPath
	}

	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	es, name, err := registry.ActivateServer(opts.Engine, engine.ServerConfig{
		CertPath:   certPath,
		KeyPath:    keyPath,
		MinVersion: opts.MinVersion,
		Clock:      clk,
	})
	if err != nil {
		return nil, errors.Wrap(err, "activating tls server engine")
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	logger.Debug("tls server credential created", slog.String("engine", name))

	return &Server{
		engine:     es,
		engineName: name,
		driver: &driver{
			role:    roleServer,
			timeout: timeout,
			clock:   clk,
			logger:  logger,
			metrics: opts.Metrics,
		},
	}, nil
}

// Close releases the engine. Closing a nil or already closed server does nothing.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}

	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		err = s.engine.Close()
	})
	return err
}

func (s *Server) Engine() string { return s.engineName }

// Open accepts a TLS session on sock, which the session then owns.
// sock is closed if the handshake does not complete.
func (s *Server) Open(ctx context.Context, sock net.Conn, alpn []string) (*Session, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		sock.Close()
		return nil, ErrClosed
	}

	return s.driver.open(ctx, sock, s.engineName, openParams{id: uuid.NewString()}, func(conn net.Conn) (engine.Session, error) {
		return s.engine.OpenServer(conn, alpn)
	})
}

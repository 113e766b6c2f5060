// Package stdlib is a TLS engine backed by crypto/tls.
package stdlib

import (
	"context"
	"crypto/tls"
	"net"
	"pvd-tls/session/tls/engine"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

const Name = "stdlib"

type Engine struct{}

var (
	_ engine.ClientEngine = (*Engine)(nil)
	_ engine.ServerEngine = (*Engine)(nil)
)

func New() *Engine { return &Engine{} }

func (*Engine) Name() string { return Name }

func (*Engine) ActivateClient(cfg engine.ClientConfig) (engine.Client, error) {
	return &client{cfg: cfg}, nil
}

func (*Engine) ActivateServer(cfg engine.ServerConfig) (engine.Server, error) {
	if cfg.CertPath == "" {
		return nil, errors.New("no certificate given")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading certificate and key")
	}

	return &server{cfg: cfg, cert: cert}, nil
}

type client struct {
	cfg engine.ClientConfig
}

func (c *client) OpenClient(conn net.Conn, params engine.ClientParams) (engine.Session, error) {
	if params.Host == "" && !c.cfg.InsecureSkipVerify {
		return nil, errors.New("server name is required to verify the certificate")
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         params.Host,
		NextProtos:         params.ALPN,
		RootCAs:            c.cfg.RootCAs,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // Explicitly configured.
		MinVersion:         c.cfg.MinVersion,
	})

	return newSession(tlsConn, c.cfg.Clock), nil
}

func (c *client) Close() error { return nil }

type server struct {
	cfg  engine.ServerConfig
	cert tls.Certificate
}

func (s *server) OpenServer(conn net.Conn, alpn []string) (engine.Session, error) {
	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{s.cert},
		NextProtos:   alpn,
		MinVersion:   s.cfg.MinVersion,
	})

	return newSession(tlsConn, s.cfg.Clock), nil
}

func (s *server) Close() error { return nil }

type session struct {
	conn *tls.Conn
	hs   *engine.AsyncHandshake
}

var _ engine.Session = (*session)(nil)

func newSession(conn *tls.Conn, clk clock.Clock) *session {
	return &session{
		conn: conn,
		hs:   engine.NewAsyncHandshake(conn.HandshakeContext, clk),
	}
}

func (s *session) Handshake() (engine.Status, error) { return s.hs.Step() }

func (s *session) Wait(ctx context.Context, st engine.Status, timeout time.Duration) (bool, error) {
	return s.hs.Wait(ctx, st, timeout)
}

func (s *session) NegotiatedProtocol() string {
	return s.conn.ConnectionState().NegotiatedProtocol
}

func (s *session) Conn() net.Conn { return s.conn }

func (s *session) Close() error {
	s.hs.Close()
	// An aborted handshake already closed the connection.
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

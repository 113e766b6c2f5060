// Package utls is a client-only TLS engine backed by uTLS.
// It sends the ClientHello of a well-known client instead of the Go one.
package utls

import (
	"context"
	"net"
	"pvd-tls/session/tls/engine"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"
)

const Name = "utls"

var ErrUnknownFingerprint = errors.New("unknown client hello fingerprint")

var fingerprints = map[string]utls.ClientHelloID{
	"chrome":     utls.HelloChrome_Auto,
	"firefox":    utls.HelloFirefox_Auto,
	"safari":     utls.HelloSafari_Auto,
	"edge":       utls.HelloEdge_Auto,
	"ios":        utls.HelloIOS_Auto,
	"randomized": utls.HelloRandomized,
	// Honors the configured ALPN list, the others announce their own.
	"golang": utls.HelloGolang,
}

// DefaultFingerprint is used when none is configured.
const DefaultFingerprint = "chrome"

// Fingerprints lists the accepted fingerprint names.
func Fingerprints() []string {
	names := make([]string, 0, len(fingerprints))
	for name := range fingerprints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Engine struct{}

var _ engine.ClientEngine = (*Engine)(nil)

func New() *Engine { return &Engine{} }

func (*Engine) Name() string { return Name }

func (*Engine) ActivateClient(cfg engine.ClientConfig) (engine.Client, error) {
	name := strings.ToLower(cfg.Fingerprint)
	if name == "" {
		name = DefaultFingerprint
	}

	id, ok := fingerprints[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFingerprint, "%q, expected one of %s",
			cfg.Fingerprint, strings.Join(Fingerprints(), ", "))
	}

	return &client{cfg: cfg, helloID: id}, nil
}

type client struct {
	cfg     engine.ClientConfig
	helloID utls.ClientHelloID
}

func (c *client) OpenClient(conn net.Conn, params engine.ClientParams) (engine.Session, error) {
	if params.Host == "" && !c.cfg.InsecureSkipVerify {
		return nil, errors.New("server name is required to verify the certificate")
	}

	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         params.Host,
		NextProtos:         params.ALPN,
		RootCAs:            c.cfg.RootCAs,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // Explicitly configured.
		MinVersion:         c.cfg.MinVersion,
	}, c.helloID)

	return &session{
		conn: uconn,
		hs:   engine.NewAsyncHandshake(uconn.HandshakeContext, c.cfg.Clock),
	}, nil
}

func (c *client) Close() error { return nil }

type session struct {
	conn *utls.UConn
	hs   *engine.AsyncHandshake
}

var _ engine.Session = (*session)(nil)

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

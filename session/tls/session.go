package tls

import (
	"context"
	"log/slog"
	"net"
	"pvd-tls/network/pvd"
	"pvd-tls/session/tls/engine"
	"pvd-tls/transport"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type State uint8

const (
	StateOpening State = iota
	StateWaitRead
	StateWaitWrite
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateWaitRead:
		return "wait_read"
	case StateWaitWrite:
		return "wait_write"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Binding is the PvD binding applied before a session was opened.
type Binding struct {
	Pvd    string
	Result pvd.BindResult
	// Err is set when the process did not end up bound to Pvd.
	Err error
}

// Session is a TLS session over a transport it owns.
type Session struct {
	id      string
	engine  string
	host    string
	binding *Binding

	conn    *transport.OwnedConn
	session engine.Session

	mu    sync.Mutex
	state State

	releaseOnce sync.Once
	releaseErr  error
}

// ID identifies the attempt that opened the session.
func (s *Session) ID() string { return s.id }

// Engine is the name of the engine running the session.
func (s *Session) Engine() string { return s.engine }

func (s *Session) Host() string { return s.host }

// Binding returns nil when no PvD binding was attempted.
func (s *Session) Binding() *Binding { return s.binding }

func (s *Session) NegotiatedProtocol() string { return s.session.NegotiatedProtocol() }

// Conn carries application data once the session is established.
func (s *Session) Conn() net.Conn { return s.session.Conn() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Close closes the session and its transport. Calling it again is a no-op.
func (s *Session) Close() error {
	return s.release()
}

func (s *Session) release() error {
	s.releaseOnce.Do(func() {
		err := s.session.Close()
		if closeErr := s.conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) && err == nil {
			err = closeErr
		}
		s.releaseErr = err
	})
	return s.releaseErr
}

type driver struct {
	role    string
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
}

type openParams struct {
	id      string
	host    string
	binding *Binding
}

// open opens an engine session over conn and drives its handshake.
// conn is closed whenever no session is returned.
func (d *driver) open(
	ctx context.Context,
	conn net.Conn,
	engineName string,
	params openParams,
	newSession func(conn net.Conn) (engine.Session, error),
) (*Session, error) {
	owned := transport.Own(conn)

	es, err := newSession(owned)
	if err != nil {
		owned.Close()
		return nil, errors.Wrap(err, "opening engine session")
	}

	s := &Session{
		id:      params.id,
		engine:  engineName,
		host:    params.host,
		binding: params.binding,
		conn:    owned,
		session: es,
		state:   StateOpening,
	}

	if err := d.handshake(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// handshake steps the engine session until it is established, fails, times
// out or ctx is done. The session is released on every failure.
func (d *driver) handshake(ctx context.Context, s *Session) (err error) {
	start := d.clock.Now()
	deadline := start.Add(d.timeout)

	logger := d.logger.With(
		slog.String("attempt", s.id),
		slog.String("engine", s.engine),
		slog.String("host", s.host),
		slog.String("remote", remoteAddr(s.conn)),
	)

	defer func() {
		d.metrics.recordHandshake(d.role, err, d.clock.Since(start))

		if err == nil {
			s.setState(StateEstablished)
			logger.DebugContext(ctx, "tls handshake done",
				slog.String("alpn", s.NegotiatedProtocol()))
			return
		}

		hsErr := err.(*HandshakeError)
		hsErr.State = s.State()
		s.setState(StateFailed)
		s.release()

		logger.DebugContext(ctx, "tls handshake failed",
			slog.String("kind", hsErr.Kind.String()), slog.Any("error", hsErr.Err))
	}()

	fail := func(kind HandshakeErrorKind, cause error) error {
		if kind == KindProtocol && ctx.Err() != nil {
			kind, cause = KindCancelled, ctx.Err()
		}
		return &HandshakeError{Kind: kind, Host: s.host, Err: cause}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(KindCancelled, err)
		}

		st, err := s.session.Handshake()
		if err != nil {
			return fail(KindProtocol, err)
		}

		switch st {
		case engine.StatusDone:
			return nil
		case engine.StatusWantRead:
			s.setState(StateWaitRead)
		case engine.StatusWantWrite:
			s.setState(StateWaitWrite)
		default:
			return fail(KindProtocol, errors.Errorf("unexpected handshake status %d", st))
		}

		d.metrics.recordWait(st)

		now := d.clock.Now()
		if now.After(deadline) {
			now = deadline
		}

		ready, err := s.session.Wait(ctx, st, deadline.Sub(now))
		if err != nil {
			if ctx.Err() != nil {
				return fail(KindCancelled, err)
			}
			return fail(KindProtocol, errors.Wrap(err, "waiting for readiness"))
		}
		if !ready {
			return fail(KindTimeout, nil)
		}
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

package test

import (
	"context"
	"net"
	"pvd-tls/session/tls/engine"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var ErrScripted = errors.New("scripted handshake failure")

// Script decides how the sessions of a FakeEngine handshake.
type Script struct {
	// Steps are returned by Handshake in order, StatusDone once exhausted.
	Steps []engine.Status
	// Err fails the handshake once Steps are exhausted.
	Err error
	// NeverReady makes Wait report a timeout.
	NeverReady bool
	// OnWait, if set, decides whether a Wait becomes ready.
	OnWait func(st engine.Status, timeout time.Duration) bool
	// Protocol is reported as the negotiated ALPN protocol.
	Protocol string

	// ActivateErr fails activation.
	ActivateErr error
	// OpenErr fails opening a session.
	OpenErr error
}

// FakeEngine is a client and server engine whose handshakes follow a Script.
type FakeEngine struct {
	name   string
	script Script

	activations atomic.Int32
	releases    atomic.Int32

	mu       sync.Mutex
	sessions []*FakeSession
}

var (
	_ engine.ClientEngine = (*FakeEngine)(nil)
	_ engine.ServerEngine = (*FakeEngine)(nil)
)

func NewFakeEngine(name string, script Script) *FakeEngine {
	return &FakeEngine{name: name, script: script}
}

func (e *FakeEngine) Name() string { return e.name }

func (e *FakeEngine) ActivateClient(engine.ClientConfig) (engine.Client, error) {
	return e.activate()
}

func (e *FakeEngine) ActivateServer(engine.ServerConfig) (engine.Server, error) {
	return e.activate()
}

func (e *FakeEngine) activate() (*fakeCredential, error) {
	if e.script.ActivateErr != nil {
		return nil, e.script.ActivateErr
	}
	e.activations.Add(1)
	return &fakeCredential{engine: e}, nil
}

// Activations counts successful activations.
func (e *FakeEngine) Activations() int { return int(e.activations.Load()) }

// Releases counts closed credentials.
func (e *FakeEngine) Releases() int { return int(e.releases.Load()) }

// Sessions returns every session opened so far.
func (e *FakeEngine) Sessions() []*FakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeSession(nil), e.sessions...)
}

type fakeCredential struct {
	engine *FakeEngine
	once   sync.Once
}

func (c *fakeCredential) OpenClient(conn net.Conn, params engine.ClientParams) (engine.Session, error) {
	return c.open(conn, params)
}

func (c *fakeCredential) OpenServer(conn net.Conn, alpn []string) (engine.Session, error) {
	return c.open(conn, engine.ClientParams{ALPN: alpn})
}

func (c *fakeCredential) open(conn net.Conn, params engine.ClientParams) (engine.Session, error) {
	script := c.engine.script
	if script.OpenErr != nil {
		return nil, script.OpenErr
	}

	s := &FakeSession{conn: conn, params: params, script: script}

	c.engine.mu.Lock()
	c.engine.sessions = append(c.engine.sessions, s)
	c.engine.mu.Unlock()

	return s, nil
}

func (c *fakeCredential) Close() error {
	c.once.Do(func() { c.engine.releases.Add(1) })
	return nil
}

// FakeSession records how it was driven.
type FakeSession struct {
	conn   net.Conn
	params engine.ClientParams
	script Script

	mu       sync.Mutex
	steps    int
	waits    []engine.Status
	timeouts []time.Duration
	closes   int
}

var _ engine.Session = (*FakeSession)(nil)

func (s *FakeSession) Handshake() (engine.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.steps < len(s.script.Steps) {
		st := s.script.Steps[s.steps]
		s.steps++
		return st, nil
	}
	if s.script.Err != nil {
		return engine.StatusDone, s.script.Err
	}
	return engine.StatusDone, nil
}

func (s *FakeSession) Wait(ctx context.Context, st engine.Status, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	s.waits = append(s.waits, st)
	s.timeouts = append(s.timeouts, timeout)
	s.mu.Unlock()

	ready := !s.script.NeverReady
	if s.script.OnWait != nil {
		ready = s.script.OnWait(st, timeout)
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	return ready, nil
}

func (s *FakeSession) NegotiatedProtocol() string { return s.script.Protocol }

func (s *FakeSession) Conn() net.Conn { return s.conn }

func (s *FakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()

	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Params returns what the session was opened with.
func (s *FakeSession) Params() engine.ClientParams { return s.params }

// Waits returns the interest of every Wait call.
func (s *FakeSession) Waits() []engine.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Status(nil), s.waits...)
}

// Timeouts returns the timeout of every Wait call.
func (s *FakeSession) Timeouts() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.timeouts...)
}

// Closes counts Close calls.
func (s *FakeSession) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Package engine defines the interface TLS implementations plug in through.
//
// Engines are registered explicitly in a Registry. A credential asks the
// registry for an engine with the capability it needs (client or server),
// either by name or by taking the first one that activates.
package engine

import (
	"context"
	"crypto/x509"
	"net"
	"time"

	"github.com/benbjohnson/clock"
)

// Status is the outcome of a handshake step that did not fail.
type Status uint8

const (
	StatusDone Status = iota
	StatusWantRead
	StatusWantWrite
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusWantRead:
		return "want_read"
	case StatusWantWrite:
		return "want_write"
	}
	return "unknown"
}

// Session is one TLS session of an engine.
type Session interface {
	// Handshake runs the handshake as far as it can without blocking.
	// An error means the handshake failed for good.
	Handshake() (Status, error)

	// Wait blocks until the session can make progress on the handshake
	// in the direction st asks for, timeout elapses or ctx is done.
	// It reports whether the session became ready.
	Wait(ctx context.Context, st Status, timeout time.Duration) (ready bool, err error)

	// NegotiatedProtocol is the ALPN protocol. Valid once the handshake is done.
	NegotiatedProtocol() string

	// Conn is the connection application data flows through.
	Conn() net.Conn

	// Close releases the session and closes its transport.
	Close() error
}

type ClientParams struct {
	// Host is the server name to verify and to send as SNI.
	Host string
	// Service names what the host is reached for (e.g. "https"). It is
	// informational, the bundled engines do not use it.
	Service string
	ALPN    []string
}

type Client interface {
	OpenClient(conn net.Conn, params ClientParams) (Session, error)
	Close() error
}

type Server interface {
	OpenServer(conn net.Conn, alpn []string) (Session, error)
	Close() error
}

type ClientConfig struct {
	// Nil uses the system roots.
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
	MinVersion         uint16

	// Fingerprint selects the ClientHello to imitate, for engines that can.
	Fingerprint string

	Clock clock.Clock
}

type ServerConfig struct {
	CertPath, KeyPath string
	MinVersion        uint16

	Clock clock.Clock
}

type Engine interface {
	Name() string
}

type ClientEngine interface {
	Engine
	ActivateClient(cfg ClientConfig) (Client, error)
}

type ServerEngine interface {
	Engine
	ActivateServer(cfg ServerConfig) (Server, error)
}

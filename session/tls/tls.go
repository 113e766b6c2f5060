// Package tls opens Transport Layer Security (TLS) sessions over plain
// sockets, optionally after binding the process to a Provisioning Domain (PvD).
//
// The protocol itself is implemented by engines (see package engine). This
// package owns the credentials that hold an activated engine, drives
// handshakes to completion under a deadline, and tries the addresses of a
// host one after another until a session is established.
package tls

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// DefaultHandshakeTimeout bounds a handshake when no timeout is configured.
const DefaultHandshakeTimeout = 5 * time.Second

var (
	ErrResolution          = errors.New("resolving host failed")
	ErrDial                = errors.New("dialing candidate failed")
	ErrAllCandidatesFailed = errors.New("every candidate address failed")
	ErrClosed              = errors.New("credential is closed")

	ErrHandshakeProtocol  = errors.New("tls handshake failed")
	ErrHandshakeTimeout   = errors.New("tls handshake timed out")
	ErrHandshakeCancelled = errors.New("tls handshake cancelled")
)

type HandshakeErrorKind uint8

const (
	KindProtocol HandshakeErrorKind = iota
	KindTimeout
	KindCancelled
)

func (k HandshakeErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol_error"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (k HandshakeErrorKind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrHandshakeTimeout
	case KindCancelled:
		return ErrHandshakeCancelled
	}
	return ErrHandshakeProtocol
}

// HandshakeError is returned for every handshake that did not complete.
// It matches ErrHandshakeProtocol, ErrHandshakeTimeout or ErrHandshakeCancelled
// with errors.Is, depending on Kind.
type HandshakeError struct {
	Kind  HandshakeErrorKind
	Host  string
	State State
	// Err is the engine error or the context error. Nil for timeouts.
	Err error
}

func (e *HandshakeError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Host != "" {
		msg += " with " + e.Host
	}
	msg += " in state " + e.State.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool { return target == e.Kind.sentinel() }

// DialError is the failure of one candidate address. It matches ErrDial.
type DialError struct {
	Addr netip.AddrPort
	Err  error
}

func (e *DialError) Error() string {
	return ErrDial.Error() + " " + e.Addr.String() + ": " + e.Err.Error()
}

func (e *DialError) Unwrap() error { return e.Err }

func (e *DialError) Is(target error) bool { return target == ErrDial }

package test

import (
	"context"
	"io"
	"net"
	"net/netip"
	"pvd-tls/transport"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// StubConn is a socket that is never readable and swallows writes.
// It counts how many times it was closed.
type StubConn struct {
	local, remote net.Addr

	closes atomic.Int32
	closed chan struct{}
}

var _ net.Conn = (*StubConn)(nil)

func NewStubConn(remote netip.AddrPort) *StubConn {
	return &StubConn{
		local:  net.TCPAddrFromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), 0)),
		remote: net.TCPAddrFromAddrPort(remote),
		closed: make(chan struct{}),
	}
}

// Closes returns how many times Close was called.
func (c *StubConn) Closes() int { return int(c.closes.Load()) }

func (c *StubConn) Close() error {
	if c.closes.Add(1) == 1 {
		close(c.closed)
		return nil
	}
	return net.ErrClosed
}

func (c *StubConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *StubConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
		return len(p), nil
	}
}

func (c *StubConn) LocalAddr() net.Addr                { return c.local }
func (c *StubConn) RemoteAddr() net.Addr               { return c.remote }
func (c *StubConn) SetDeadline(t time.Time) error      { return nil }
func (c *StubConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *StubConn) SetWriteDeadline(t time.Time) error { return nil }

// StubDialer hands out StubConns and records every attempt.
type StubDialer struct {
	// Addresses that fail to dial, with the error to fail with.
	Fail map[netip.AddrPort]error

	mu       sync.Mutex
	attempts []netip.AddrPort
	conns    []*StubConn
}

var _ transport.ConnDialer = (*StubDialer)(nil)

func (d *StubDialer) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts = append(d.attempts, addr)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := d.Fail[addr]; ok {
		if err == nil {
			err = transport.ErrConnRefused
		}
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}

	conn := NewStubConn(addr)
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *StubDialer) Attempts() []netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]netip.AddrPort(nil), d.attempts...)
}

// Conns returns the connections handed out so far.
func (d *StubDialer) Conns() []*StubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*StubConn(nil), d.conns...)
}

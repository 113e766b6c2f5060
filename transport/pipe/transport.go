package pipe

import (
	"context"
	"net"
	"net/netip"
	"pvd-tls/transport"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type dialRequest struct {
	conn     net.Conn
	accepted chan struct{}
}

// Transport connects dialers to listeners registered on the same Transport.
type Transport struct {
	listeners map[netip.AddrPort]*Listener
	clock     clock.Clock
	bufSize   uint

	mu sync.Mutex
}

var _ transport.ConnDialer = (*Transport)(nil)

func NewTransport(clk clock.Clock) *Transport {
	if clk == nil {
		clk = clock.New()
	}
	return &Transport{
		listeners: make(map[netip.AddrPort]*Listener),
		clock:     clk,
		bufSize:   DefaultBufSize,
	}
}

// Dial connects to the listener at addr. Addresses nobody listens on are refused.
func (pt *Transport) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	pt.mu.Lock()
	listener, ok := pt.listeners[addr]
	pt.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(transport.ErrConnRefused, "dialing %s", addr)
	}

	local := netip.AddrPortFrom(netip.IPv6Loopback(), 0)
	c1, c2 := New(local, addr, pt.clock, pt.bufSize)

	req := dialRequest{
		conn:     c2,
		accepted: make(chan struct{}, 1),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-listener.closed:
		return nil, errors.Wrapf(transport.ErrConnRefused, "dialing %s", addr)
	case listener.requests <- req:
	}

	select {
	case <-ctx.Done():
		c1.Close()
		return nil, ctx.Err()
	case <-req.accepted:
	}

	return c1, nil
}

func (pt *Transport) Listen(addr netip.AddrPort) (*Listener, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, ok := pt.listeners[addr]; ok {
		return nil, errors.Wrapf(transport.ErrAddrInUse, "listening on %s", addr)
	}

	l := &Listener{
		addr:      Addr{AddrPort: addr},
		transport: pt,
		requests:  make(chan dialRequest),
		closed:    make(chan struct{}),
	}
	pt.listeners[addr] = l

	return l, nil
}

type Listener struct {
	addr      Addr
	transport *Transport

	requests chan dialRequest
	closed   chan struct{}
	once     sync.Once
}

var _ net.Listener = (*Listener)(nil)

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	case req := <-l.requests:
		req.accepted <- struct{}{}
		return req.conn, nil
	}
}

func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) Close() error {
	err := net.ErrClosed
	l.once.Do(func() {
		err = nil
		close(l.closed)

		l.transport.mu.Lock()
		delete(l.transport.listeners, l.addr.AddrPort)
		l.transport.mu.Unlock()
	})
	return err
}

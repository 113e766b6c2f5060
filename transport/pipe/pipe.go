// Package pipe provides in-memory connections for exercising TLS sessions
// without sockets.
package pipe

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultBufSize fits a full TLS record.
const DefaultBufSize = 32 * 1024

type Addr struct {
	AddrPort netip.AddrPort
}

func (a Addr) Network() string { return "pipe" }
func (a Addr) String() string  { return a.AddrPort.String() }

// See:
// - https://github.com/golang/go/issues/24205
// - https://github.com/golang/go/issues/34502
type bufferedPipe struct {
	addr Addr

	buf *bytes.Buffer // protected by in.

	in, out  sync.Cond
	serialMu sync.Mutex // For serialized write operations.

	_closed  bool
	closedMu sync.Mutex

	rdeadline, wdeadline *deadline

	// the opposite pipe.
	counterpart *bufferedPipe
}

var _ net.Conn = (*bufferedPipe)(nil)

// New creates a pair of connected pipes. Writes complete as long as the
// counterpart's buffer has room, so both ends may write before reading.
// bufSize MUST be more than 0.
func New(local, remote netip.AddrPort, clk clock.Clock, bufSize uint) (c1, c2 net.Conn) {
	if bufSize == 0 {
		panic("buffer size cannot be 0")
	}
	if clk == nil {
		clk = clock.New()
	}

	p1 := newBufferedPipe(local, clk, bufSize)
	p2 := newBufferedPipe(remote, clk, bufSize)
	p1.counterpart, p2.counterpart = p2, p1
	return p1, p2
}

func newBufferedPipe(addr netip.AddrPort, clk clock.Clock, bufSize uint) *bufferedPipe {
	p := &bufferedPipe{
		buf:       bytes.NewBuffer(make([]byte, 0, bufSize)),
		rdeadline: newDeadline(clk),
		wdeadline: newDeadline(clk),
		addr:      Addr{AddrPort: addr},
	}
	p.in.L, p.out.L = &sync.Mutex{}, &sync.Mutex{}
	return p
}

func (p *bufferedPipe) LocalAddr() net.Addr  { return p.addr }
func (p *bufferedPipe) RemoteAddr() net.Addr { return p.counterpart.addr }

func (p *bufferedPipe) Close() error {
	p.closedMu.Lock()
	if p._closed {
		p.closedMu.Unlock()
		return net.ErrClosed
	}
	p._closed = true
	p.closedMu.Unlock()

	p.wakeAll()
	p.counterpart.wakeAll()
	return nil
}

func (p *bufferedPipe) wakeAll() {
	p.in.L.Lock()
	p.in.Broadcast()
	p.in.L.Unlock()

	p.out.L.Lock()
	p.out.Broadcast()
	p.out.L.Unlock()
}

func (p *bufferedPipe) Read(b []byte) (n int, err error) {
	defer func() {
		if err != nil {
			return
		}
		// The counterpart may be waiting for room in our buffer.
		p.counterpart.out.L.Lock()
		p.counterpart.out.Signal()
		p.counterpart.out.L.Unlock()
	}()

	p.in.L.Lock()
	defer p.in.L.Unlock()

	for {
		if p.closed() {
			return 0, net.ErrClosed
		}
		if p.rdeadline.exceeded() {
			return 0, os.ErrDeadlineExceeded
		}

		// Data written before the counterpart closed is still delivered.
		if p.buf.Len() > 0 {
			return p.buf.Read(b)
		}
		if p.counterpart.closed() {
			return 0, io.EOF
		}

		p.in.Wait()
	}
}

func (p *bufferedPipe) Write(b []byte) (n int, err error) {
	p.serialMu.Lock()
	defer p.serialMu.Unlock()

	p.out.L.Lock()
	defer p.out.L.Unlock()

	nn := 0
	for once := true; once || len(b) > 0; once = false {
		if p.closed() {
			return nn, net.ErrClosed
		}
		if p.wdeadline.exceeded() {
			return nn, os.ErrDeadlineExceeded
		}
		if p.counterpart.closed() {
			return nn, io.ErrClosedPipe
		}

		p.counterpart.in.L.Lock()

		remain := p.counterpart.buf.Cap() - p.counterpart.buf.Len()
		if canWrite := min(len(b), remain); canWrite > 0 {
			p.counterpart.buf.Write(b[:canWrite])
			b = b[canWrite:]
			nn += canWrite

			p.counterpart.in.Signal()
			p.counterpart.in.L.Unlock()
			continue
		}

		p.counterpart.in.L.Unlock()
		p.out.Wait()
	}

	return nn, nil
}

func (p *bufferedPipe) closed() bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	return p._closed
}

func (p *bufferedPipe) SetDeadline(t time.Time) error {
	_ = p.SetReadDeadline(t)
	return p.SetWriteDeadline(t)
}

func (p *bufferedPipe) SetReadDeadline(t time.Time) error {
	p.rdeadline.set(t, func() {
		p.in.L.Lock()
		p.in.Broadcast()
		p.in.L.Unlock()
	})
	return nil
}

func (p *bufferedPipe) SetWriteDeadline(t time.Time) error {
	p.wdeadline.set(t, func() {
		p.out.L.Lock()
		p.out.Broadcast()
		p.out.L.Unlock()
	})
	return nil
}

type deadline struct {
	clock clock.Clock
	m     sync.Mutex

	timer *clock.Timer
	t     time.Time
}

func newDeadline(clk clock.Clock) *deadline { return &deadline{clock: clk} }

func (d *deadline) set(t time.Time, onExceed func()) {
	d.m.Lock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.t = t

	if t.IsZero() {
		d.m.Unlock()
		return
	}
	if until := d.clock.Until(t); until > 0 {
		d.timer = d.clock.AfterFunc(until, onExceed)
		d.m.Unlock()
		return
	}
	d.m.Unlock()

	// Already passed, wake blocked callers now.
	onExceed()
}

func (d *deadline) exceeded() bool {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t.IsZero() {
		return false
	}
	return d.clock.Until(d.t) <= 0
}

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var ErrHandshakeAborted = errors.New("handshake aborted")

// AsyncHandshake turns a blocking handshake into steps.
//
// The first Step starts run on its own goroutine and every Step reports
// StatusWantRead until run returns. Wait blocks until then.
// Close cancels the context given to run and waits for it to return, so
// no goroutine outlives the session.
type AsyncHandshake struct {
	run   func(ctx context.Context) error
	clock clock.Clock

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc

	done chan struct{}
	err  error
}

func NewAsyncHandshake(run func(ctx context.Context) error, clk clock.Clock) *AsyncHandshake {
	if clk == nil {
		clk = clock.New()
	}
	return &AsyncHandshake{
		run:   run,
		clock: clk,
		done:  make(chan struct{}),
	}
}

func (h *AsyncHandshake) Step() (Status, error) {
	if err := h.start(); err != nil {
		return StatusDone, err
	}

	select {
	case <-h.done:
		return StatusDone, h.err
	default:
		return StatusWantRead, nil
	}
}

func (h *AsyncHandshake) start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandshakeAborted
	}
	if h.started {
		return nil
	}
	h.started = true

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		defer close(h.done)
		h.err = h.run(ctx)
	}()

	return nil
}

func (h *AsyncHandshake) Wait(ctx context.Context, _ Status, timeout time.Duration) (bool, error) {
	select {
	case <-h.done:
		return true, nil
	default:
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if timeout <= 0 {
		return false, nil
	}

	timer := h.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, nil
	}
}

// Close aborts a running handshake and waits for it to return.
func (h *AsyncHandshake) Close() {
	h.mu.Lock()
	h.closed = true
	started := h.started
	cancel := h.cancel
	h.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-h.done
}

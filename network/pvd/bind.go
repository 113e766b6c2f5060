package pvd

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

// Unbound is what Binder.Current reports when the process is not bound to any PvD.
const Unbound = ""

var (
	ErrUnboundFallback      = errors.New("binding to pvd failed, process fell back to no pvd")
	ErrBindAndUnboundFailed = errors.New("binding to pvd and unbinding both failed, pvd binding state is unknown")
	ErrReadBackMismatch     = errors.New("current pvd differs from the requested one")
	ErrUnknownPvd           = errors.New("unknown pvd")
)

// Binder is the process-wide PvD binding primitive.
// Every socket the process opens after a successful Bind goes through that PvD.
type Binder interface {
	Bind(name string) error
	Unbind() error
	// Current returns the PvD the process is bound to, or Unbound.
	Current() (string, error)
}

type BindResult int

const (
	Bound BindResult = iota
	UnboundFallback
	BindAndUnboundFailed
)

func (r BindResult) String() string {
	switch r {
	case Bound:
		return "bound"
	case UnboundFallback:
		return "unbound_fallback"
	case BindAndUnboundFailed:
		return "bind_and_unbind_failed"
	}
	return "unknown"
}

// Err returns nil for Bound and the matching sentinel otherwise.
func (r BindResult) Err() error {
	switch r {
	case Bound:
		return nil
	case UnboundFallback:
		return ErrUnboundFallback
	}
	return ErrBindAndUnboundFailed
}

// Bind binds the process to name, falling back to no PvD if that fails.
func Bind(binder Binder, name string) BindResult {
	if err := binder.Bind(name); err == nil {
		return Bound
	}
	if err := binder.Unbind(); err != nil {
		return BindAndUnboundFailed
	}
	return UnboundFallback
}

// Guard serializes writers of the process-wide binding.
//
// The binding is process state, not connection state: two callers that bind
// different PvDs one after the other each get their own binding applied, but
// sockets opened concurrently by the first caller may already see the second
// binding. Per-connection isolation needs support from the operating system.
type Guard struct {
	mu       sync.Mutex
	binder   Binder
	readBack bool
	logger   *slog.Logger
}

type GuardOption func(*Guard)

// WithReadBack makes the guard verify the binding with Binder.Current after a successful bind.
func WithReadBack() GuardOption {
	return func(g *Guard) { g.readBack = true }
}

func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

func NewGuard(binder Binder, opts ...GuardOption) *Guard {
	g := &Guard{
		binder: binder,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Bind binds the process to name. The returned error is non-nil when the
// result is not Bound, or when the read-back check failed.
func (g *Guard) Bind(ctx context.Context, name string) (BindResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := Bind(g.binder, name)
	switch result {
	case Bound:
		g.logger.DebugContext(ctx, "process bound to pvd", slog.String("pvd", name))
	case UnboundFallback:
		g.logger.WarnContext(ctx, "unable to bind process to pvd, continuing without pvd",
			slog.String("pvd", name))
		return result, errors.Wrapf(result.Err(), "binding to %q", name)
	case BindAndUnboundFailed:
		g.logger.ErrorContext(ctx, "unable to bind process to pvd and to unbind it, network configuration needs manual attention",
			slog.String("pvd", name))
		return result, errors.Wrapf(result.Err(), "binding to %q", name)
	}

	if !g.readBack {
		return result, nil
	}

	current, err := g.binder.Current()
	if err != nil {
		return result, errors.Wrap(err, "reading back current pvd")
	}
	if current != name {
		g.logger.ErrorContext(ctx, "pvd read-back mismatch",
			slog.String("requested", name), slog.String("current", current))
		return result, errors.Wrapf(ErrReadBackMismatch, "requested %q, got %q", name, current)
	}

	return result, nil
}

func (g *Guard) Current() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.binder.Current()
}

// MemoryBinder keeps the process binding in memory.
// It is used where the operating system offers no PvD support, and in tests.
type MemoryBinder struct {
	mu      sync.Mutex
	known   map[string]struct{}
	current string
}

var _ Binder = (*MemoryBinder)(nil)

// NewMemoryBinder creates a binder accepting the given PvDs.
// With no names given, any PvD is accepted.
func NewMemoryBinder(known ...string) *MemoryBinder {
	b := &MemoryBinder{}
	if len(known) > 0 {
		b.known = make(map[string]struct{}, len(known))
		for _, name := range known {
			b.known[NormalizeName(name)] = struct{}{}
		}
	}
	return b
}

func (b *MemoryBinder) Bind(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == Unbound {
		return errors.Wrap(ErrUnknownPvd, "empty pvd name")
	}
	if b.known != nil {
		if _, ok := b.known[name]; !ok {
			return errors.Wrapf(ErrUnknownPvd, "pvd %q", name)
		}
	}

	b.current = name
	return nil
}

func (b *MemoryBinder) Unbind() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = Unbound
	return nil
}

func (b *MemoryBinder) Current() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, nil
}

package transport

import (
	"context"
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

var (
	ErrConnRefused = errors.New("connection refused")
	ErrAddrInUse   = errors.New("address already in use")
)

// ConnDialer opens a connected socket to a single address.
type ConnDialer interface {
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

// DialFunc adapts a function to ConnDialer.
type DialFunc func(ctx context.Context, addr netip.AddrPort) (net.Conn, error)

func (f DialFunc) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return f(ctx, addr)
}

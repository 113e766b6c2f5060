// Package tcp dials Transmission Control Protocol (TCP) sockets.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9293
package tcp

import (
	"context"
	"net"
	"net/netip"
	"pvd-tls/transport"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

type Options struct {
	// ConnectTimeout bounds a single connect. Zero means no limit besides the context.
	ConnectTimeout time.Duration
	// KeepAlive is the keep-alive period. Zero uses the system default, negative disables it.
	KeepAlive time.Duration
	// Control is called on the raw socket before it connects.
	Control func(network, address string, c syscall.RawConn) error
}

type Dialer struct {
	dialer net.Dialer
}

var _ transport.ConnDialer = (*Dialer)(nil)

func NewDialer(opts Options) *Dialer {
	return &Dialer{
		dialer: net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: opts.KeepAlive,
			Control:   opts.Control,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	if !addr.IsValid() {
		return nil, errors.Errorf("invalid address %s", addr)
	}

	conn, err := d.dialer.DialContext(ctx, string(transport.TCP), addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", addr)
	}

	return conn, nil
}

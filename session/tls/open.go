package tls

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// OpenTLS connects to host:port and returns the first session that completes
// its handshake. Addresses are tried one at a time in resolver order.
//
// With PvD binding enabled the process is bound once, before resolving,
// to the PvD selected for host. A failed bind is logged and recorded on the
// session but does not stop the connection attempt.
func (c *Client) OpenTLS(ctx context.Context, host string, port uint16, service string, alpn []string) (*Session, error) {
	mapping, err := c.currentMapping()
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, errors.New("empty host")
	}

	id := uuid.NewString()
	logger := c.logger.With(slog.String("attempt", id), slog.String("host", host), slog.String("service", service))

	var binding *Binding
	if c.opts.PvD.Bind && mapping.Len() > 0 {
		binding = c.bindPvd(ctx, logger, host)
	}

	addrs, err := c.resolve(ctx, host)
	if err != nil {
		logger.WarnContext(ctx, "resolving host failed", slog.Any("error", err))
		return nil, err
	}

	var errs []error
	for _, ip := range addrs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		addr := netip.AddrPortFrom(ip, port)

		sock, err := c.dialer.Dial(ctx, addr)
		c.opts.Metrics.recordDial(err)
		if err != nil {
			logger.WarnContext(ctx, "dialing candidate failed",
				slog.String("addr", addr.String()), slog.Any("error", err))
			errs = append(errs, &DialError{Addr: addr, Err: err})
			continue
		}

		session, err := c.clientSession(ctx, sock, openParams{id: id, host: host, binding: binding}, service, alpn)
		if err != nil {
			logger.WarnContext(ctx, "tls handshake with candidate failed",
				slog.String("addr", addr.String()), slog.Any("error", err))
			errs = append(errs, errors.Wrapf(err, "candidate %s", addr))
			if errors.Is(err, ErrHandshakeCancelled) {
				break
			}
			continue
		}

		logger.InfoContext(ctx, "tls session established",
			slog.String("addr", addr.String()),
			slog.String("engine", session.Engine()),
			slog.String("alpn", session.NegotiatedProtocol()))

		return session, nil
	}

	return nil, stderrors.Join(
		append([]error{errors.Wrapf(ErrAllCandidatesFailed, "%s port %d, %d candidates", host, port, len(addrs))}, errs...)...,
	)
}

func (c *Client) bindPvd(ctx context.Context, logger *slog.Logger, host string) *Binding {
	name, ok := c.SelectPvd(host)
	if !ok {
		logger.DebugContext(ctx, "no pvd configured for host")
		return nil
	}

	result, err := c.guard.Bind(ctx, name)
	c.opts.Metrics.recordBind(result)

	return &Binding{Pvd: name, Result: result, Err: err}
}

func (c *Client) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	literal := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if addr, err := netip.ParseAddr(literal); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	addrs, err := c.lookuper.LookupIP(ctx, host)
	if err != nil {
		return nil, stderrors.Join(errors.Wrapf(ErrResolution, "%s", host), err)
	}
	if len(addrs) == 0 {
		return nil, errors.Wrapf(ErrResolution, "%s: no addresses", host)
	}

	return addrs, nil
}

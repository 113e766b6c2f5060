// Package domain resolves host names to addresses.
package domain

import (
	"context"
	"maps"
	"net"
	"net/netip"
	"slices"

	"github.com/pkg/errors"
)

var ErrDomainNotFound = errors.New("domain not found")

// Lookuper resolves a host name. Addresses are returned in preference order.
type Lookuper interface {
	LookupIP(ctx context.Context, domain string) (addrs []netip.Addr, err error)
}

// systemLookuper uses the resolver of the operating system.
type systemLookuper struct {
	resolver *net.Resolver
}

var _ Lookuper = (*systemLookuper)(nil)

// NewSystemLookuper uses resolver, or net.DefaultResolver if it is nil.
func NewSystemLookuper(resolver *net.Resolver) *systemLookuper {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &systemLookuper{resolver: resolver}
}

func (s *systemLookuper) LookupIP(ctx context.Context, domain string) ([]netip.Addr, error) {
	addrs, err := s.resolver.LookupNetIP(ctx, "ip", domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, errors.Wrapf(ErrDomainNotFound, "%s: %s", domain, err)
		}
		return nil, errors.Wrapf(err, "looking up %s", domain)
	}
	if len(addrs) == 0 {
		return nil, errors.Wrap(ErrDomainNotFound, domain)
	}

	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}
	return addrs, nil
}

type mapLookuper struct {
	set map[string][]netip.Addr
}

var _ Lookuper = (*mapLookuper)(nil)

// NewMapLookuper copies set, so later changes to it are not seen.
func NewMapLookuper(set map[string][]netip.Addr) *mapLookuper {
	if set == nil {
		set = make(map[string][]netip.Addr)
	}
	return &mapLookuper{set: maps.Clone(set)}
}

func (m *mapLookuper) LookupIP(ctx context.Context, domain string) (addrs []netip.Addr, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addrs, ok := m.set[domain]
	if !ok {
		return nil, ErrDomainNotFound
	}
	return slices.Clone(addrs), nil
}

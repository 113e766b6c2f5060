package tls

import (
	"context"
	"crypto/x509"
	"log/slog"
	"net"
	"pvd-tls/application/util/domain"
	"pvd-tls/network/pvd"
	"pvd-tls/network/pvd/config"
	"pvd-tls/session/tls/engine"
	"pvd-tls/session/tls/engine/stdlib"
	"pvd-tls/session/tls/engine/utls"
	"pvd-tls/transport"
	"pvd-tls/transport/tcp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultRegistry returns the engines built into this module, crypto/tls first.
func DefaultRegistry() *engine.Registry {
	return engine.NewRegistry(stdlib.New(), utls.New())
}

type ClientOptions struct {
	PvD       PvdOptions
	Handshake HandshakeOptions
	Engine    EngineOptions

	// Nil uses the system resolver.
	Lookuper domain.Lookuper
	// Nil dials TCP.
	Dialer transport.ConnDialer
	// Nil records nothing.
	Metrics *Metrics
}

type PvdOptions struct {
	// ConfigPath names the PvD config file. Empty means no mapping.
	ConfigPath string
	// NamePattern overrides the pattern PvD names must match.
	NamePattern string

	// Bind binds the process to the selected PvD before resolving a host.
	Bind bool
	// Binder is the process binding primitive. Required when Bind is set.
	Binder pvd.Binder
	// ReadBack checks the binding took effect after binding.
	ReadBack bool
	Preferred string

	// Nil selects with the default random source.
	Selector *pvd.Selector
}

type HandshakeOptions struct {
	// Zero uses DefaultHandshakeTimeout.
	Timeout time.Duration
}

type EngineOptions struct {
	// Name selects one engine. Empty takes the first engine that activates.
	Name string
	// Nil uses DefaultRegistry.
	Registry *engine.Registry

	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
	MinVersion         uint16
	Fingerprint        string
}

// Client is a TLS client credential.
type Client struct {
	opts ClientOptions

	logger *slog.Logger
	clock  clock.Clock

	engine     engine.Client
	engineName string

	mapping   *pvd.Mapping
	preferred pvd.Preferred
	selector  *pvd.Selector
	guard     *pvd.Guard

	lookuper domain.Lookuper
	dialer   transport.ConnDialer
	driver   *driver

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewClient activates a client engine and loads the PvD config.
// Nothing is kept if either fails.
func NewClient(logger *slog.Logger, clk clock.Clock, opts ClientOptions) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.New()
	}
	if opts.PvD.Bind && opts.PvD.Binder == nil {
		return nil, errors.New("binding to a pvd requires a binder")
	}

	registry := opts.Engine.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	ec, name, err := registry.ActivateClient(opts.Engine.Name, engine.ClientConfig{
		RootCAs:            opts.Engine.RootCAs,
		InsecureSkipVerify: opts.Engine.InsecureSkipVerify,
		MinVersion:         opts.Engine.MinVersion,
		Fingerprint:        opts.Engine.Fingerprint,
		Clock:              clk,
	})
	if err != nil {
		return nil, errors.Wrap(err, "activating tls client engine")
	}

	parserOpts := []config.Option{config.WithLogger(logger)}
	if opts.PvD.NamePattern != "" {
		parserOpts = append(parserOpts, config.WithNamePattern(opts.PvD.NamePattern))
	}
	result, err := config.ParseFile(opts.PvD.ConfigPath, parserOpts...)
	if err != nil {
		ec.Close()
		return nil, errors.Wrap(err, "loading pvd config")
	}
	for _, skipped := range result.Skipped {
		logger.Warn("skipped malformed pvd config line",
			slog.Int("line", skipped.Line), slog.String("reason", skipped.Cause.Error()))
	}

	c := &Client{
		opts:       opts,
		logger:     logger,
		clock:      clk,
		engine:     ec,
		engineName: name,
		mapping:    result.Mapping,
		selector:   opts.PvD.Selector,
		lookuper:   opts.Lookuper,
		dialer:     opts.Dialer,
	}

	if c.selector == nil {
		c.selector = pvd.NewSelector()
	}
	if c.lookuper == nil {
		c.lookuper = domain.NewSystemLookuper(net.DefaultResolver)
	}
	if c.dialer == nil {
		c.dialer = tcp.NewDialer(tcp.Options{})
	}
	if opts.PvD.Binder != nil {
		guardOpts := []pvd.GuardOption{pvd.WithLogger(logger)}
		if opts.PvD.ReadBack {
			guardOpts = append(guardOpts, pvd.WithReadBack())
		}
		c.guard = pvd.NewGuard(opts.PvD.Binder, guardOpts...)
	}
	c.preferred.Set(opts.PvD.Preferred)

	timeout := opts.Handshake.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	c.driver = &driver{
		role:    roleClient,
		timeout: timeout,
		clock:   clk,
		logger:  logger,
		metrics: opts.Metrics,
	}

	logger.Debug("tls client credential created",
		slog.String("engine", name), slog.Int("pvd_mappings", c.mapping.Len()))

	return c, nil
}

// Close releases the engine and the PvD mapping.
// Closing a nil or already closed client does nothing.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mapping = nil
		c.mu.Unlock()

		err = c.engine.Close()
	})
	return err
}

// Engine is the name of the activated engine.
func (c *Client) Engine() string { return c.engineName }

// SetPreferredPvd sets the PvD chosen whenever a host may use it.
// An empty name clears the preference.
func (c *Client) SetPreferredPvd(name string) { c.preferred.Set(name) }

func (c *Client) PreferredPvd() string { return c.preferred.Get() }

// CurrentPvd reports the PvD the process is bound to, pvd.Unbound when it is
// not bound or no binder is configured.
func (c *Client) CurrentPvd() (string, error) {
	if c.guard == nil {
		return pvd.Unbound, nil
	}
	return c.guard.Current()
}

// SelectPvd picks the PvD to reach host through.
func (c *Client) SelectPvd(host string) (string, bool) {
	mapping, err := c.currentMapping()
	if err != nil {
		return "", false
	}
	return c.selector.Select(mapping, c.preferred.Get(), host)
}

func (c *Client) currentMapping() (*pvd.Mapping, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.mapping, nil
}

// ClientSession opens a session over sock, which the session then owns.
// sock is closed if the handshake does not complete.
func (c *Client) ClientSession(ctx context.Context, sock net.Conn, host, service string, alpn []string) (*Session, error) {
	return c.clientSession(ctx, sock, openParams{id: uuid.NewString(), host: host}, service, alpn)
}

func (c *Client) clientSession(ctx context.Context, sock net.Conn, params openParams, service string, alpn []string) (*Session, error) {
	if _, err := c.currentMapping(); err != nil {
		sock.Close()
		return nil, err
	}

	return c.driver.open(ctx, sock, c.engineName, params, func(conn net.Conn) (engine.Session, error) {
		return c.engine.OpenClient(conn, engine.ClientParams{
			Host:    params.host,
			Service: service,
			ALPN:    alpn,
		})
	})
}

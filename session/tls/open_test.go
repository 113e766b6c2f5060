package tls

import (
	"bytes"
	"context"
	"log/slog"
	"net/netip"
	"pvd-tls/application/util/domain"
	"pvd-tls/network/pvd"
	"pvd-tls/session/tls/engine"
	enginetest "pvd-tls/session/tls/engine/test"
	transporttest "pvd-tls/transport/test"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type OpenTLSTestSuite struct {
	suite.Suite

	clock    *clock.Mock
	metrics  *Metrics
	lookuper domain.Lookuper
	dialer   *transporttest.StubDialer

	addrs []netip.Addr
}

func TestOpenTLSTestSuite(t *testing.T) {
	suite.Run(t, new(OpenTLSTestSuite))
}

func (s *OpenTLSTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.metrics = NewMetrics("test")
	s.addrs = []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("192.0.2.3"),
		netip.MustParseAddr("192.0.2.4"),
	}
	s.lookuper = domain.NewMapLookuper(map[string][]netip.Addr{
		"www.example.com": s.addrs,
	})
	s.dialer = &transporttest.StubDialer{}
}

func (s *OpenTLSTestSuite) TearDownTest() {
	goleak.VerifyNone(s.T())
}

func (s *OpenTLSTestSuite) newClient(script enginetest.Script, pvdOpts PvdOptions) (*Client, *enginetest.FakeEngine) {
	fake := enginetest.NewFakeEngine("fake", script)

	client, err := NewClient(nil, s.clock, ClientOptions{
		PvD:      pvdOpts,
		Engine:   EngineOptions{Registry: engine.NewRegistry(fake)},
		Lookuper: s.lookuper,
		Dialer:   s.dialer,
		Metrics:  s.metrics,
	})
	s.Require().NoError(err)
	s.T().Cleanup(func() { client.Close() })

	return client, fake
}

func (s *OpenTLSTestSuite) addrPort(i int) netip.AddrPort {
	return netip.AddrPortFrom(s.addrs[i], 443)
}

func (s *OpenTLSTestSuite) TestFirstSuccessWins() {
	s.dialer.Fail = map[netip.AddrPort]error{
		s.addrPort(0): nil,
		s.addrPort(1): nil,
	}
	client, fake := s.newClient(enginetest.Script{Steps: []engine.Status{engine.StatusWantRead}}, PvdOptions{})

	session, err := client.OpenTLS(context.Background(), "www.example.com", 443, "https", []string{"h2"})
	s.Require().NoError(err)
	defer session.Close()

	s.Equal(StateEstablished, session.State())
	s.Equal(s.addrPort(2).String(), session.Conn().RemoteAddr().String())
	s.Nil(session.Binding())

	s.Equal([]netip.AddrPort{s.addrPort(0), s.addrPort(1), s.addrPort(2)}, s.dialer.Attempts())
	s.Len(fake.Sessions(), 1)

	s.Equal(2.0, testutil.ToFloat64(s.metrics.dialsTotal.WithLabelValues("failure")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.dialsTotal.WithLabelValues("success")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.handshakesTotal.WithLabelValues(roleClient, "established")))
}

func (s *OpenTLSTestSuite) TestAttemptLogAttributes() {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	fake := enginetest.NewFakeEngine("fake", enginetest.Script{})
	client, err := NewClient(logger, s.clock, ClientOptions{
		Engine:   EngineOptions{Registry: engine.NewRegistry(fake)},
		Lookuper: s.lookuper,
		Dialer:   s.dialer,
	})
	s.Require().NoError(err)
	defer client.Close()

	session, err := client.OpenTLS(context.Background(), "www.example.com", 993, "imaps", nil)
	s.Require().NoError(err)
	defer session.Close()

	s.Contains(buf.String(), `"msg":"tls session established"`)
	s.Contains(buf.String(), `"host":"www.example.com"`)
	s.Contains(buf.String(), `"service":"imaps"`)
	s.Contains(buf.String(), `"attempt":"`+session.ID()+`"`)
	s.Equal("imaps", fake.Sessions()[0].Params().Service)
}

func (s *OpenTLSTestSuite) TestHandshakeFailureTriesNext() {
	s.dialer.Fail = map[netip.AddrPort]error{s.addrPort(0): nil}
	client, _ := s.newClient(enginetest.Script{Err: enginetest.ErrScripted}, PvdOptions{})

	session, err := client.OpenTLS(context.Background(), "www.example.com", 443, "https", nil)
	s.Nil(session)
	s.ErrorIs(err, ErrAllCandidatesFailed)
	s.ErrorIs(err, ErrDial)
	s.ErrorIs(err, ErrHandshakeProtocol)
	s.ErrorIs(err, enginetest.ErrScripted)

	s.Len(s.dialer.Attempts(), len(s.addrs))

	conns := s.dialer.Conns()
	s.Len(conns, len(s.addrs)-1)
	for _, conn := range conns {
		s.Equal(1, conn.Closes())
	}
}

func (s *OpenTLSTestSuite) TestCancelledHandshakeStops() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, _ := s.newClient(enginetest.Script{
		Steps: []engine.Status{engine.StatusWantRead},
		OnWait: func(engine.Status, time.Duration) bool {
			cancel()
			return false
		},
	}, PvdOptions{})

	_, err := client.OpenTLS(ctx, "www.example.com", 443, "https", nil)
	s.ErrorIs(err, ErrHandshakeCancelled)
	s.Len(s.dialer.Attempts(), 1)
}

func (s *OpenTLSTestSuite) TestResolutionError() {
	client, fake := s.newClient(enginetest.Script{}, PvdOptions{})

	_, err := client.OpenTLS(context.Background(), "missing.example.com", 443, "https", nil)
	s.ErrorIs(err, ErrResolution)
	s.ErrorIs(err, domain.ErrDomainNotFound)

	s.Empty(s.dialer.Attempts())
	s.Empty(fake.Sessions())
}

func (s *OpenTLSTestSuite) TestIPLiteralSkipsResolution() {
	client, _ := s.newClient(enginetest.Script{}, PvdOptions{})

	testcases := []struct {
		desc     string
		host     string
		expected netip.AddrPort
	}{
		{desc: "ipv4", host: "192.0.2.10", expected: netip.MustParseAddrPort("192.0.2.10:8443")},
		{desc: "ipv6", host: "2001:db8::10", expected: netip.MustParseAddrPort("[2001:db8::10]:8443")},
		{desc: "bracketed ipv6", host: "[2001:db8::10]", expected: netip.MustParseAddrPort("[2001:db8::10]:8443")},
	}
	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			session, err := client.OpenTLS(context.Background(), tc.host, 8443, "https", nil)
			s.Require().NoError(err)
			defer session.Close()

			attempts := s.dialer.Attempts()
			s.Equal(tc.expected, attempts[len(attempts)-1])
		})
	}
}

func (s *OpenTLSTestSuite) TestEmptyHost() {
	client, _ := s.newClient(enginetest.Script{}, PvdOptions{})

	_, err := client.OpenTLS(context.Background(), "", 443, "https", nil)
	s.Error(err)
	s.Empty(s.dialer.Attempts())
}

func (s *OpenTLSTestSuite) TestPvdBinding() {
	config := writePvdConfig(s.T(), `"default": ["a.example."]
"example.com": ["a.example.", "b.example."]
"example.net": "unknown.example."
`)

	testcases := []struct {
		desc      string
		host      string
		bind      bool
		current   string
		binding   *Binding
		errTarget error
	}{
		{
			desc:    "disabled by default",
			host:    "www.example.com",
			current: pvd.Unbound,
		},
		{
			desc:    "bound",
			host:    "www.example.com",
			bind:    true,
			current: "a.example.",
			binding: &Binding{Pvd: "a.example.", Result: pvd.Bound},
		},
		{
			desc:      "fallback to no pvd",
			host:      "www.example.net",
			bind:      true,
			current:   pvd.Unbound,
			binding:   &Binding{Pvd: "unknown.example.", Result: pvd.UnboundFallback},
			errTarget: pvd.ErrUnboundFallback,
		},
		{
			desc:    "no pvd for host",
			host:    "www.example.org",
			bind:    true,
			current: pvd.Unbound,
		},
	}
	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			binder := pvd.NewMemoryBinder("a.example.", "b.example.")
			s.lookuper = domain.NewMapLookuper(map[string][]netip.Addr{
				tc.host: {netip.MustParseAddr("192.0.2.1")},
			})

			client, _ := s.newClient(enginetest.Script{}, PvdOptions{
				ConfigPath: config,
				Bind:       tc.bind,
				Binder:     binder,
				ReadBack:   true,
			})

			session, err := client.OpenTLS(context.Background(), tc.host, 443, "https", nil)
			s.Require().NoError(err)
			defer session.Close()

			current, err := client.CurrentPvd()
			s.Require().NoError(err)
			s.Equal(tc.current, current)

			binding := session.Binding()
			if tc.binding == nil {
				s.Nil(binding)
				return
			}
			s.Require().NotNil(binding)
			s.Equal(tc.binding.Pvd, binding.Pvd)
			s.Equal(tc.binding.Result, binding.Result)
			if tc.errTarget != nil {
				s.ErrorIs(binding.Err, tc.errTarget)
			} else {
				s.NoError(binding.Err)
			}
		})
	}

	s.Equal(1.0, testutil.ToFloat64(s.metrics.pvdBindsTotal.WithLabelValues(pvd.Bound.String())))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.pvdBindsTotal.WithLabelValues(pvd.UnboundFallback.String())))
}

func (s *OpenTLSTestSuite) TestPreferredPvdBinding() {
	config := writePvdConfig(s.T(), `"example.com": ["a.example.", "b.example."]`)
	binder := pvd.NewMemoryBinder()

	client, _ := s.newClient(enginetest.Script{}, PvdOptions{
		ConfigPath: config,
		Bind:       true,
		Binder:     binder,
		Preferred:  "b.example",
	})

	for range 10 {
		session, err := client.OpenTLS(context.Background(), "www.example.com", 443, "https", nil)
		s.Require().NoError(err)
		s.Equal("b.example.", session.Binding().Pvd)
		session.Close()
	}

	current, err := binder.Current()
	s.Require().NoError(err)
	s.Equal("b.example.", current)
}

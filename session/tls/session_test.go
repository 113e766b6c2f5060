package tls

import (
	"context"
	"net/netip"
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

var testAddr = netip.MustParseAddrPort("192.0.2.1:443")

type HandshakeDriverTestSuite struct {
	suite.Suite

	clock   *clock.Mock
	metrics *Metrics
	conn    *transporttest.StubConn
}

func TestHandshakeDriverTestSuite(t *testing.T) {
	suite.Run(t, new(HandshakeDriverTestSuite))
}

func (s *HandshakeDriverTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.metrics = NewMetrics("test")
	s.conn = transporttest.NewStubConn(testAddr)
}

func (s *HandshakeDriverTestSuite) TearDownTest() {
	goleak.VerifyNone(s.T())
}

func (s *HandshakeDriverTestSuite) newClient(script enginetest.Script, timeout time.Duration) (*Client, *enginetest.FakeEngine) {
	fake := enginetest.NewFakeEngine("fake", script)

	client, err := NewClient(nil, s.clock, ClientOptions{
		Handshake: HandshakeOptions{Timeout: timeout},
		Engine:    EngineOptions{Registry: engine.NewRegistry(fake)},
		Metrics:   s.metrics,
	})
	s.Require().NoError(err)
	s.T().Cleanup(func() { client.Close() })

	return client, fake
}

func (s *HandshakeDriverTestSuite) TestWaitsUntilDone() {
	testcases := []struct {
		desc  string
		steps []engine.Status
	}{
		{desc: "no wait", steps: nil},
		{desc: "one wait", steps: []engine.Status{engine.StatusWantRead}},
		{
			desc: "five waits",
			steps: []engine.Status{
				engine.StatusWantRead, engine.StatusWantWrite, engine.StatusWantRead,
				engine.StatusWantRead, engine.StatusWantWrite,
			},
		},
	}
	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			client, fake := s.newClient(enginetest.Script{Steps: tc.steps, Protocol: "h2"}, 0)
			conn := transporttest.NewStubConn(testAddr)

			session, err := client.ClientSession(context.Background(), conn, "www.example.com", "https", []string{"h2"})
			s.Require().NoError(err)
			defer session.Close()

			s.Equal(StateEstablished, session.State())
			s.Equal("h2", session.NegotiatedProtocol())
			s.Equal("fake", session.Engine())
			s.NotEmpty(session.ID())

			sessions := fake.Sessions()
			s.Require().Len(sessions, 1)
			s.Len(sessions[0].Waits(), len(tc.steps))
			if len(tc.steps) > 0 {
				s.Equal(tc.steps, sessions[0].Waits())
			}
			s.Equal(engine.ClientParams{Host: "www.example.com", Service: "https", ALPN: []string{"h2"}}, sessions[0].Params())

			s.Zero(conn.Closes())
			s.NoError(session.Close())
			s.NoError(session.Close())
			s.Equal(1, conn.Closes())
			s.Equal(1, sessions[0].Closes())
		})
	}
}

func (s *HandshakeDriverTestSuite) TestTimeout() {
	steps := make([]engine.Status, 100)
	for i := range steps {
		steps[i] = engine.StatusWantRead
	}
	client, fake := s.newClient(enginetest.Script{Steps: steps, NeverReady: true}, 0)

	session, err := client.ClientSession(context.Background(), s.conn, "www.example.com", "https", nil)
	s.Nil(session)
	s.ErrorIs(err, ErrHandshakeTimeout)
	s.NotErrorIs(err, ErrHandshakeProtocol)

	var hsErr *HandshakeError
	s.Require().ErrorAs(err, &hsErr)
	s.Equal(KindTimeout, hsErr.Kind)
	s.Equal(StateWaitRead, hsErr.State)

	sessions := fake.Sessions()
	s.Require().Len(sessions, 1)
	s.Equal([]time.Duration{DefaultHandshakeTimeout}, sessions[0].Timeouts())
	s.Equal(1, sessions[0].Closes())
	s.Equal(1, s.conn.Closes())

	s.Equal(1.0, testutil.ToFloat64(s.metrics.handshakesTotal.WithLabelValues(roleClient, "timeout")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.handshakeWaits.WithLabelValues("want_read")))
}

func (s *HandshakeDriverTestSuite) TestDeadlineIsAbsolute() {
	timeout := 5 * time.Second
	steps := []engine.Status{engine.StatusWantRead, engine.StatusWantWrite, engine.StatusWantRead}

	client, fake := s.newClient(enginetest.Script{
		Steps: steps,
		OnWait: func(_ engine.Status, timeout time.Duration) bool {
			// Each wait takes 3 seconds, or the whole timeout when shorter.
			elapsed := 3 * time.Second
			if timeout < elapsed {
				s.clock.Add(timeout)
				return false
			}
			s.clock.Add(elapsed)
			return true
		},
	}, timeout)

	_, err := client.ClientSession(context.Background(), s.conn, "www.example.com", "https", nil)
	s.ErrorIs(err, ErrHandshakeTimeout)

	sessions := fake.Sessions()
	s.Require().Len(sessions, 1)
	s.Equal([]time.Duration{5 * time.Second, 2 * time.Second}, sessions[0].Timeouts())
	s.Equal([]engine.Status{engine.StatusWantRead, engine.StatusWantWrite}, sessions[0].Waits())
}

func (s *HandshakeDriverTestSuite) TestDeadlinePassedIsClamped() {
	client, fake := s.newClient(enginetest.Script{
		Steps: []engine.Status{engine.StatusWantRead, engine.StatusWantRead},
		OnWait: func(_ engine.Status, timeout time.Duration) bool {
			// Report ready late, after the deadline.
			s.clock.Add(timeout + time.Second)
			return timeout > 0
		},
	}, time.Second)

	_, err := client.ClientSession(context.Background(), s.conn, "www.example.com", "https", nil)
	s.ErrorIs(err, ErrHandshakeTimeout)

	sessions := fake.Sessions()
	s.Require().Len(sessions, 1)
	s.Equal([]time.Duration{time.Second, 0}, sessions[0].Timeouts())
}

func (s *HandshakeDriverTestSuite) TestProtocolError() {
	client, fake := s.newClient(enginetest.Script{
		Steps: []engine.Status{engine.StatusWantRead},
		Err:   enginetest.ErrScripted,
	}, 0)

	session, err := client.ClientSession(context.Background(), s.conn, "www.example.com", "https", nil)
	s.Nil(session)
	s.ErrorIs(err, ErrHandshakeProtocol)
	s.ErrorIs(err, enginetest.ErrScripted)
	s.NotErrorIs(err, ErrHandshakeTimeout)

	sessions := fake.Sessions()
	s.Require().Len(sessions, 1)
	s.Equal(1, sessions[0].Closes())
	s.Equal(1, s.conn.Closes())

	s.Equal(1.0, testutil.ToFloat64(s.metrics.handshakesTotal.WithLabelValues(roleClient, "protocol_error")))
}

func (s *HandshakeDriverTestSuite) TestOpenError() {
	client, fake := s.newClient(enginetest.Script{OpenErr: enginetest.ErrScripted}, 0)

	_, err := client.ClientSession(context.Background(), s.conn, "www.example.com", "https", nil)
	s.ErrorIs(err, enginetest.ErrScripted)
	s.Empty(fake.Sessions())
	s.Equal(1, s.conn.Closes())
}

func (s *HandshakeDriverTestSuite) TestCancelledBeforeStart() {
	client, fake := s.newClient(enginetest.Script{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ClientSession(ctx, s.conn, "www.example.com", "https", nil)
	s.ErrorIs(err, ErrHandshakeCancelled)
	s.ErrorIs(err, context.Canceled)

	sessions := fake.Sessions()
	s.Require().Len(sessions, 1)
	s.Equal(1, sessions[0].Closes())
	s.Equal(1, s.conn.Closes())
}

func (s *HandshakeDriverTestSuite) TestCancelledWhileWaiting() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, fake := s.newClient(enginetest.Script{
		Steps: []engine.Status{engine.StatusWantWrite, engine.StatusWantRead},
		OnWait: func(engine.Status, time.Duration) bool {
			cancel()
			return false
		},
	}, 0)

	_, err := client.ClientSession(ctx, s.conn, "www.example.com", "https", nil)
	s.ErrorIs(err, ErrHandshakeCancelled)
	s.NotErrorIs(err, ErrHandshakeTimeout)

	var hsErr *HandshakeError
	s.Require().ErrorAs(err, &hsErr)
	s.Equal(StateWaitWrite, hsErr.State)

	sessions := fake.Sessions()
	s.Require().Len(sessions, 1)
	s.Len(sessions[0].Waits(), 1)
	s.Equal(1, sessions[0].Closes())

	s.Equal(1.0, testutil.ToFloat64(s.metrics.handshakesTotal.WithLabelValues(roleClient, "cancelled")))
}

package tls

import (
	"context"
	"io"
	"net"
	"net/netip"
	"pvd-tls/application/util/domain"
	"pvd-tls/session/tls/engine"
	enginetest "pvd-tls/session/tls/engine/test"
	"pvd-tls/session/tls/engine/stdlib"
	"pvd-tls/transport/pipe"
	transporttest "pvd-tls/transport/test"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestServerOpen(t *testing.T) {
	fake := enginetest.NewFakeEngine("fake", enginetest.Script{
		Steps:    []engine.Status{engine.StatusWantRead, engine.StatusWantWrite},
		Protocol: "http/1.1",
	})

	server, err := NewServer(nil, nil, "cert.pem", "", ServerOptions{Registry: engine.NewRegistry(fake)})
	require.NoError(t, err)

	conn := transporttest.NewStubConn(testAddr)
	session, err := server.Open(context.Background(), conn, []string{"http/1.1"})
	require.NoError(t, err)

	assert.Equal(t, StateEstablished, session.State())
	assert.Equal(t, "http/1.1", session.NegotiatedProtocol())
	assert.Equal(t, []string{"http/1.1"}, fake.Sessions()[0].Params().ALPN)

	assert.NoError(t, session.Close())
	assert.Equal(t, 1, conn.Closes())

	var nilServer *Server
	assert.NoError(t, nilServer.Close())

	assert.NoError(t, server.Close())
	assert.NoError(t, server.Close())
	assert.Equal(t, 1, fake.Releases())

	conn = transporttest.NewStubConn(testAddr)
	_, err = server.Open(context.Background(), conn, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, conn.Closes())
}

func TestNewServerNoEngine(t *testing.T) {
	fake := enginetest.NewFakeEngine("fake", enginetest.Script{ActivateErr: errors.New("no certificate")})

	server, err := NewServer(nil, nil, "", "", ServerOptions{Registry: engine.NewRegistry(fake)})
	assert.ErrorIs(t, err, engine.ErrNoEngine)
	assert.Nil(t, server)
}

func TestOpenTLSWithStdlibEngines(t *testing.T) {
	defer goleak.VerifyNone(t)

	cert := enginetest.NewCertificate(t, "www.example.com")

	// The key is read from the certificate file when no key path is given.
	server, err := NewServer(nil, nil, cert.WriteCombined(t), "", ServerOptions{Engine: stdlib.Name})
	require.NoError(t, err)
	defer server.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	type accepted struct {
		session *Session
		err     error
	}
	serverSessions := make(chan accepted, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			serverSessions <- accepted{err: err}
			return
		}
		session, err := server.Open(context.Background(), conn, []string{"h2"})
		serverSessions <- accepted{session, err}
	}()

	port := netip.MustParseAddrPort(l.Addr().String()).Port()

	client, err := NewClient(nil, nil, ClientOptions{
		Engine: EngineOptions{Name: stdlib.Name, RootCAs: cert.Pool},
		Lookuper: domain.NewMapLookuper(map[string][]netip.Addr{
			"www.example.com": {netip.MustParseAddr("127.0.0.1")},
		}),
	})
	require.NoError(t, err)
	defer client.Close()

	session, err := client.OpenTLS(context.Background(), "www.example.com", port, "https", []string{"h2", "http/1.1"})
	require.NoError(t, err)
	defer session.Close()

	result := <-serverSessions
	require.NoError(t, result.err)
	defer result.session.Close()

	assert.Equal(t, "h2", session.NegotiatedProtocol())
	assert.Equal(t, stdlib.Name, session.Engine())
	assert.Equal(t, "h2", result.session.NegotiatedProtocol())

	_, err = session.Conn().Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(result.session.Conn(), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestOpenTLSOverPipeTransport(t *testing.T) {
	defer goleak.VerifyNone(t)

	cert := enginetest.NewCertificate(t, "www.example.com")

	server, err := NewServer(nil, nil, cert.CertPath, cert.KeyPath, ServerOptions{Engine: stdlib.Name})
	require.NoError(t, err)
	defer server.Close()

	refused := netip.MustParseAddr("192.0.2.1")
	listening := netip.MustParseAddr("2001:db8::1")

	pt := pipe.NewTransport(nil)
	l, err := pt.Listen(netip.AddrPortFrom(listening, 443))
	require.NoError(t, err)
	defer l.Close()

	serverSessions := make(chan *Session, 1)
	go func() {
		defer close(serverSessions)
		conn, err := l.Accept()
		if err != nil {
			return
		}
		session, err := server.Open(context.Background(), conn, []string{"http/1.1"})
		if err != nil {
			return
		}
		serverSessions <- session
	}()

	metrics := NewMetrics("pipe")
	client, err := NewClient(nil, nil, ClientOptions{
		Engine: EngineOptions{Name: stdlib.Name, RootCAs: cert.Pool},
		Lookuper: domain.NewMapLookuper(map[string][]netip.Addr{
			"www.example.com": {refused, listening},
		}),
		Dialer:  pt,
		Metrics: metrics,
	})
	require.NoError(t, err)
	defer client.Close()

	session, err := client.OpenTLS(context.Background(), "www.example.com", 443, "https", []string{"http/1.1"})
	require.NoError(t, err)
	defer session.Close()

	serverSession := <-serverSessions
	require.NotNil(t, serverSession)
	defer serverSession.Close()

	assert.Equal(t, "[2001:db8::1]:443", session.Conn().RemoteAddr().String())
	assert.Equal(t, "http/1.1", session.NegotiatedProtocol())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dialsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dialsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.handshakesTotal.WithLabelValues(roleClient, "established")))
}

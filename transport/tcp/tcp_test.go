package tcp

import (
	"context"
	"net"
	"net/netip"
	"pvd-tls/transport/test"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type TCPConnTestSuite struct {
	test.ConnTestSuite
}

func TestTCPConnTestSuite(t *testing.T) {
	suite.Run(t, new(TCPConnTestSuite))
}

func (s *TCPConnTestSuite) SetupTest() {
	s.ConnTestSuite.SetupTest()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())
	s.C1, err = NewDialer(Options{ConnectTimeout: time.Second}).Dial(context.Background(), addr)
	s.Require().NoError(err)

	conn, ok := <-accepted
	s.Require().True(ok)
	s.C2 = conn
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := netip.MustParseAddrPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	_, err = NewDialer(Options{}).Dial(context.Background(), addr)
	assert.Error(t, err)
}

func TestDialInvalidAddr(t *testing.T) {
	_, err := NewDialer(Options{}).Dial(context.Background(), netip.AddrPort{})
	assert.Error(t, err)
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDialer(Options{}).Dial(ctx, netip.MustParseAddrPort("192.0.2.1:443"))
	assert.ErrorIs(t, err, context.Canceled)
}

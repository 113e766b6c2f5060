package test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// TCPPair returns both ends of a loopback TCP connection.
// Unlike net.Pipe, writes do not wait for the peer to read them.
func TCPPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)

	select {
	case server = <-accepted:
	case err := <-acceptErr:
		client.Close()
		require.NoError(t, err)
	}

	return client, server
}

package transport

import (
	"net"
	"sync"
)

// OwnedConn is a connection with a single owner responsible for closing it.
// Close releases the underlying connection exactly once; later calls
// return the result of the first one.
type OwnedConn struct {
	net.Conn

	once sync.Once
	err  error
}

// Own wraps conn. Owning an OwnedConn again returns it unchanged.
func Own(conn net.Conn) *OwnedConn {
	if owned, ok := conn.(*OwnedConn); ok {
		return owned
	}
	return &OwnedConn{Conn: conn}
}

func (c *OwnedConn) Close() error {
	c.once.Do(func() {
		c.err = c.Conn.Close()
	})
	return c.err
}

// Unwrap returns the underlying connection.
func (c *OwnedConn) Unwrap() net.Conn { return c.Conn }

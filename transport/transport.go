// Package transport defines the socket abstraction TLS sessions run over.
package transport

type Protocol string

const (
	TCP Protocol = "tcp"
	// UDP Protocol = "udp"
)

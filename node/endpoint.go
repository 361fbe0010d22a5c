package node

import (
	"fmt"
	"net"
)

// Kind tells the loop how to service an endpoint when it becomes ready.
type Kind uint8

const (
	KindListener Kind = iota
	KindStream
	KindDatagram
)

func (k Kind) String() string {
	switch k {
	case KindListener:
		return "listener"
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Endpoint is a listening socket, an accepted connection or a datagram socket.
type Endpoint struct {
	fd     int
	kind   Kind
	local  net.Addr
	remote net.Addr
	owner  *Multiplexer
	closed bool
}

func (e *Endpoint) Fd() int { return e.fd }

func (e *Endpoint) Kind() Kind { return e.kind }

func (e *Endpoint) LocalAddr() net.Addr { return e.local }

// RemoteAddr is nil for listeners and unconnected datagram sockets.
func (e *Endpoint) RemoteAddr() net.Addr { return e.remote }

func (e *Endpoint) Closed() bool { return e.closed }

func (e *Endpoint) String() string {
	if e.remote != nil {
		return fmt.Sprintf("%s fd=%d %s->%s", e.kind, e.fd, e.remote, e.local)
	}
	return fmt.Sprintf("%s fd=%d %s", e.kind, e.fd, e.local)
}

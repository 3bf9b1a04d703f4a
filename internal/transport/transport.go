// Package transport adapts message-oriented viewer transports to net.Conn
// so every viewer, whatever it arrived on, is served by the same
// connection handler.
package transport

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// Adopter takes ownership of an accepted viewer connection.
type Adopter interface {
	Adopt(conn net.Conn)
}

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe or connection reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// addr is a synthetic net.Addr for non-socket transports.
type addr struct {
	network string
	label   string
}

func (a addr) Network() string { return a.network }
func (a addr) String() string  { return a.label }

package wire

import "net"

// Pipe returns the two ends of a synchronous in-memory connection. Closing
// one end makes reads on the other return io.EOF.
func Pipe() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

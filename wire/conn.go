package wire

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

const bufSize = 1 << 16

// IOStats is a snapshot of the traffic of one connection.
type IOStats struct {
	Sent     uint64
	Received uint64
	Flushes  uint64
	Messages uint64
}

// Add returns the field-wise sum of s and o.
func (s IOStats) Add(o IOStats) IOStats {
	return IOStats{
		Sent:     s.Sent + o.Sent,
		Received: s.Received + o.Received,
		Flushes:  s.Flushes + o.Flushes,
		Messages: s.Messages + o.Messages,
	}
}

// Total returns the number of bytes moved in both directions.
func (s IOStats) Total() uint64 {
	return s.Sent + s.Received
}

// Conn is a framed message connection. ReadMessage and WriteMessage may be
// called from different goroutines; Close may be called from any state and
// more than once.
type Conn struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	w    *bufio.Writer
	wmu  sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}

	sent, received, flushes, messages atomic.Uint64

	// MaxFrameSize bounds the payload of received frames.
	MaxFrameSize uint64
}

// NewConn wraps conn with buffered framing.
func NewConn(conn io.ReadWriteCloser) *Conn {
	return &Conn{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, bufSize),
		w:            bufio.NewWriterSize(conn, bufSize),
		closed:       make(chan struct{}),
		MaxFrameSize: DefaultMaxFrameSize,
	}
}

// Stats returns the current traffic counters.
func (c *Conn) Stats() IOStats {
	return IOStats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Flushes:  c.flushes.Load(),
		Messages: c.messages.Load(),
	}
}

// ReadMessage reads the next frame. It returns io.EOF when the peer closed
// the connection between frames.
func (c *Conn) ReadMessage() (*Message, error) {
	msg, n, err := ReadFrame(c.r, c.MaxFrameSize)
	c.received.Add(uint64(n))
	if err != nil {
		return nil, err
	}
	c.messages.Add(1)
	return msg, nil
}

// WriteMessage writes msg and flushes it.
func (c *Conn) WriteMessage(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, err := WriteFrame(c.w, msg)
	c.sent.Add(uint64(n))
	if err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	c.flushes.Add(1)
	c.messages.Add(1)
	return nil
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		close(c.closed)
	})
	return c.closeErr
}

// Closed is closed once Close has been called.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

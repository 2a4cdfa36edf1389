package netutil

import (
	"net"
	"sync/atomic"
)

// TrackedConn wraps net.Conn with a callback invoked exactly once when the
// connection closes — connection.Create wraps its dialed net.Conn in one
// of these to log when the transport to the origin closes.
type TrackedConn struct {
	net.Conn
	onClose func()
	closed  int32
}

// NewTrackedConn wraps conn so onClose runs the first time Close is called.
func NewTrackedConn(conn net.Conn, onClose func()) *TrackedConn {
	return &TrackedConn{Conn: conn, onClose: onClose}
}

// Close closes the underlying connection and calls onClose once.
func (c *TrackedConn) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		if c.onClose != nil {
			c.onClose()
		}
	}
	return c.Conn.Close()
}

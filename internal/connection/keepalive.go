package connection

import (
	"time"

	"github.com/jdw/apnspush/internal/randutil"
)

// keepaliveLoop sends a liveness PING after the configured idle interval
// and marks the connection closing (outcome "ping-timeout", pending streams
// failed with Blocked) if the previous PING was never acknowledged before
// the next tick — i.e. within roughly another idle interval.
func (c *Connection) keepaliveLoop() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle < c.cfg.KeepAliveInterval {
				continue
			}

			if c.pingOutstanding.Load() {
				c.recordPingTimeout()
				c.terminate("ping-timeout")
				return
			}

			c.pingOutstanding.Store(true)
			var payload [8]byte
			copy(payload[:], randutil.Bytes(8))

			c.writeMu.Lock()
			err := c.framer.WritePing(false, payload)
			c.writeMu.Unlock()

			if err != nil {
				c.recordPingTimeout()
				c.terminate("ping-timeout")
				return
			}
		}
	}
}

package transport

import (
	"log"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chatsync/internal/metrics"
)

// heartbeat periodically writes WebSocket ping frames on c until stop is
// closed. The server answers each ping with a pong, so a connection that has
// delivered no frame at all within HeartbeatInterval + HeartbeatTimeout is
// considered dead. A stale connection or a failed ping closes the
// connection, which ends the read loop and lets the supervisor reconnect.
// Cancelling the session context closes the connection as well so a blocked
// read returns.
func (s *Session) heartbeat(c *connection, stop <-chan struct{}) {
	var tick <-chan time.Time
	if s.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			c.close()
			return
		case <-tick:
			if deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout; c.idle() > deadline {
				log.Printf("[transport] heartbeat timeout, last activity %s ago", c.idle().Round(time.Millisecond))
				metrics.HeartbeatTimeouts.Inc()
				c.close()
				return
			}
			if err := c.writePing(); err != nil {
				log.Printf("[transport] heartbeat ping failed: %v", err)
				c.close()
				return
			}
		}
	}
}

// writePing sends a protocol-level ping frame (opcode 0x9). The write mutex
// ensures this does not interleave with other outbound frames.
func (c *connection) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpPing, nil)
}

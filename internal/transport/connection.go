package transport

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// connection wraps one physical WebSocket connection with a write mutex for
// serializing outbound frames. Control-frame replies written by the reader
// take the same mutex.
type connection struct {
	conn         net.Conn
	reader       *wsutil.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once

	lastRead atomic.Int64 // unix nanos of the last inbound frame, pongs included
}

func newConnection(conn net.Conn, br *bufio.Reader, writeTimeout time.Duration) *connection {
	c := &connection{conn: conn, writeTimeout: writeTimeout}
	c.touch()

	// The handshake may have buffered the first frames.
	var src io.Reader = conn
	if br != nil {
		src = br
	}

	control := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	c.reader = &wsutil.Reader{
		Source:    src,
		State:     ws.StateClientSide,
		CheckUTF8: true,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error {
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			return control(hdr, r)
		},
	}
	return c
}

// readText blocks until the next complete text message. Control frames are
// answered in between; binary messages are discarded.
func (c *connection) readText() ([]byte, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		c.touch()
		if hdr.OpCode.IsControl() {
			if err := c.reader.OnIntermediate(hdr, c.reader); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := c.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(c.reader)
	}
}

func (c *connection) touch() {
	c.lastRead.Store(time.Now().UnixNano())
}

// idle returns how long ago the last inbound frame arrived.
func (c *connection) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastRead.Load()))
}

// writeText sends one masked text frame.
func (c *connection) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// close sends a best-effort close frame and closes the network connection.
func (c *connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

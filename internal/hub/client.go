package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const sendBufferSize = 1024

// outFrame is a pre-serialized outbound frame. Binary selects the WebSocket
// opcode, which is the authoritative frame-type discriminator.
type outFrame struct {
	data   []byte
	binary bool
}

// Client is one live WebSocket connection bound to a channel. Identity,
// channel and metadata are written once during bind (metadata again on
// update-metadata, under the hub lock) and mirror the owning participant.
type Client struct {
	id       string
	identity string
	channel  string
	metadata json.RawMessage

	conn      *websocket.Conn
	send      chan outFrame
	closed    chan struct{}
	closeOnce sync.Once

	pongWait  time.Duration
	writeWait time.Duration
	maxFrame  int64
}

func newClient(id string, conn *websocket.Conn, opts Options) *Client {
	return &Client{
		id:        id,
		conn:      conn,
		send:      make(chan outFrame, sendBufferSize),
		closed:    make(chan struct{}),
		pongWait:  opts.PongWait,
		writeWait: opts.WriteWait,
		maxFrame:  opts.MaxFrameBytes,
	}
}

// enqueue hands a frame to the writer. A full buffer means the peer is not
// draining; the connection is torn down rather than blocking the caller.
func (c *Client) enqueue(f outFrame) bool {
	select {
	case c.send <- f:
		return true
	default:
		c.close()
		return false
	}
}

// enqueueWait blocks until the writer accepts the frame, bounded by the write
// deadline. Used during replay, where a burst larger than the buffer is
// expected on a healthy connection that has not started draining yet.
func (c *Client) enqueueWait(f outFrame) bool {
	t := time.NewTimer(c.writeWait)
	defer t.Stop()
	select {
	case c.send <- f:
		return true
	case <-c.closed:
		return false
	case <-t.C:
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		close(c.closed)
	})
}

// closeWithCode sends a close frame with an application close code before
// tearing the socket down. Used for rejections prior to the open state.
func (c *Client) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(c.writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close()
}

// readPump consumes inbound frames until the socket errors or closes,
// dispatching each to handler along with its opcode.
func (c *Client) readPump(handler func(data []byte, binary bool)) {
	defer c.close()

	c.conn.SetReadLimit(c.maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			handler(data, false)
		case websocket.BinaryMessage:
			handler(data, true)
		}
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *Client) writePump(pingInterval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			msgType := websocket.TextMessage
			if frame.binary {
				msgType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(msgType, frame.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

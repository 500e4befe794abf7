package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-depthlink/pkg/protocol"
)

// Client is one connected consumer.
type Client struct {
	ID         string
	RemoteAddr string
	Connected  time.Time

	conn     Conn
	logger   *slog.Logger
	channels *protocol.Channels

	// control carries command responses, frames carries frame_data.
	// Neither is ever closed; closed signals shutdown.
	control chan []byte
	frames  chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	closeMsg  atomic.Pointer[[]byte]

	streaming atomic.Bool
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRemoteAddr records the peer address for logs.
func WithRemoteAddr(addr string) ClientOption {
	return func(c *Client) { c.RemoteAddr = addr }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithChannels overrides the hub's channel selection for this client.
func WithChannels(ch protocol.Channels) ClientOption {
	return func(c *Client) { c.channels = &ch }
}

// WithFrameBuffer sets how many frames may queue before new ones are dropped.
func WithFrameBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.frames = make(chan []byte, n)
		}
	}
}

// NewClient wraps conn. The client is not registered and has no pumps
// until Run.
func NewClient(conn Conn, opts ...ClientOption) *Client {
	c := &Client{
		ID:        uuid.NewString(),
		Connected: time.Now(),
		conn:      conn,
		logger:    slog.Default(),
		control:   make(chan []byte, 16),
		frames:    make(chan []byte, 2),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("client", c.ID)
	return c
}

// Streaming reports whether the client asked for frames.
func (c *Client) Streaming() bool {
	return c.streaming.Load()
}

// Channels returns the client's channel override, if any.
func (c *Client) Channels() (protocol.Channels, bool) {
	if c.channels == nil {
		return 0, false
	}
	return *c.channels, true
}

// Done is closed once the client starts shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close asks the write pump to send a close frame with code and exit.
// Only the first call has any effect.
func (c *Client) Close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.closeMsg.CompareAndSwap(nil, &msg)
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// offerFrame queues a frame without blocking.
func (c *Client) offerFrame(data []byte) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.frames <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// sendControl queues a response, waiting up to writeWait for room.
func (c *Client) sendControl(data []byte) error {
	if c.isClosed() {
		return ErrTransportClosed
	}
	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case c.control <- data:
		return nil
	case <-c.closed:
		return ErrTransportClosed
	case <-t.C:
		return fmt.Errorf("%w: control queue full", ErrTransportClosed)
	}
}

// Run starts the write pump and blocks in the read pump, passing each
// inbound message to handle. It returns once both pumps have exited.
func (c *Client) Run(handle func(data []byte)) {
	done := make(chan struct{})
	go c.writePump(done)
	c.readPump(handle)
	<-done
}

// readPump reads messages from the websocket connection.
// It keeps the connection alive and detects disconnection.
func (c *Client) readPump(handle func(data []byte)) {
	defer c.Close(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if unexpectedClose(err) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		handle(data)
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(done)
	}()

	for {
		// Responses go ahead of frames.
		select {
		case data := <-c.control:
			if !c.write(websocket.TextMessage, data) {
				return
			}
			continue
		default:
		}

		select {
		case data := <-c.control:
			if !c.write(websocket.TextMessage, data) {
				return
			}
		case data := <-c.frames:
			if !c.write(websocket.TextMessage, data) {
				return
			}
			c.sent.Add(1)
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if p := c.closeMsg.Load(); p != nil {
				msg = *p
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}

func (c *Client) write(kind int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(kind, data); err != nil {
		c.logger.Debug("write failed, closing", "error", err)
		c.closeOnce.Do(func() { close(c.closed) })
		return false
	}
	return true
}

// Package hub fans captured frames out to WebSocket clients.
//
// Each Client owns one read pump and one write pump; only the write pump
// touches the connection for writing. The Hub never blocks on a client:
// frames are offered to a small per-client queue and dropped for that
// client when it is full.
package hub

import (
	"errors"
	"fmt"
	"time"

	fastws "github.com/fasthttp/websocket"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-depthlink/pkg/protocol"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound command payloads
	maxMessageSize = 64 * 1024
)

// Conn is the subset of a WebSocket connection the hub uses. Both
// gorilla/websocket and Fiber's contrib websocket connections satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Reject writes msg and a close frame with code, then closes conn. It is
// meant for connections that were never registered and have no pumps.
func Reject(conn Conn, msg protocol.Outbound, code int, reason string) error {
	defer conn.Close()

	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// closeCode extracts the close code from a read error. Fiber connections
// report fasthttp close errors, gorilla connections report their own.
func closeCode(err error) (int, bool) {
	var ge *websocket.CloseError
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	var fe *fastws.CloseError
	if errors.As(err, &fe) {
		return fe.Code, true
	}
	return 0, false
}

// unexpectedClose reports whether a read error is anything other than an
// orderly close by the peer.
func unexpectedClose(err error) bool {
	code, ok := closeCode(err)
	if !ok {
		return true
	}
	return code != websocket.CloseNormalClosure && code != websocket.CloseGoingAway
}

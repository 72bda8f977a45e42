package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// SessionConn is one duplex message connection between a client and the session server.
// Message types are the websocket types, `websocket.TextMessage` and `websocket.BinaryMessage`.
// Writes must be serialized by the caller. `Close` may be called concurrently with reads and writes.
type SessionConn interface {
	ReadMessage() (messageType int, message []byte, err error)
	WriteMessage(messageType int, message []byte) error
	Close() error
}

// the dial result decides the open vs error race of a new connection
type DialSessionFunction func(ctx context.Context) (SessionConn, error)

func NewWsDialSession(url string, settings *ClientSettings) DialSessionFunction {
	return func(ctx context.Context) (SessionConn, error) {
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.DialTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return newWsSessionConn(ws, settings.WriteTimeout), nil
	}
}

type wsSessionConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func newWsSessionConn(ws *websocket.Conn, writeTimeout time.Duration) *wsSessionConn {
	return &wsSessionConn{
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

func (self *wsSessionConn) ReadMessage() (int, []byte, error) {
	return self.ws.ReadMessage()
}

func (self *wsSessionConn) WriteMessage(messageType int, message []byte) error {
	if 0 < self.writeTimeout {
		self.ws.SetWriteDeadline(time.Now().Add(self.writeTimeout))
	}
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(messageType, message)
}

func (self *wsSessionConn) Close() error {
	// best effort close handshake
	self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return self.ws.Close()
}

package server

import (
	"context"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// gorilla drops the connection on frames past the read limit, so the
	// limit sits well above the size the session rejects with 4003
	readLimitFactor = 4
	maxCloseReason  = 123
)

// wsConn adapts a gorilla websocket to session.Conn. The session's writer
// is the only caller of Write; pings and close frames go through
// WriteControl, which gorilla allows concurrently.
type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func newWSConn(conn *websocket.Conn, heartbeat time.Duration, maxMessageSize int) *wsConn {
	c := &wsConn{conn: conn, readTimeout: 2 * heartbeat}
	conn.SetReadLimit(int64(readLimitFactor * maxMessageSize))
	c.extend()
	conn.SetPongHandler(func(string) error {
		c.extend()
		return nil
	})
	return c
}

func (c *wsConn) extend() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
}

func (c *wsConn) Read(context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		c.extend()
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Write(_ context.Context, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	return c.conn.Close()
}

// ping keeps the read deadline of a healthy peer moving until ctx ends.
func (c *wsConn) ping(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

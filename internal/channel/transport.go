package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
	closeGracePeriod        = time.Second
)

// Conn is one live duplex frame connection.
// ReadMessage returns io.EOF when the peer closed the connection cleanly.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Dialer opens connections. Dial must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials websocket endpoints and exchanges text frames.
type WebSocketDialer struct {
	header http.Header
	dialer *websocket.Dialer
}

// NewWebSocketDialer returns a dialer that sends header with every handshake.
func NewWebSocketDialer(header http.Header) *WebSocketDialer {
	return &WebSocketDialer{
		header: header.Clone(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()

			return nil, fmt.Errorf("dial websocket: %w (http status %d)", err, resp.StatusCode)
		}

		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}

		return nil, err
	}

	return payload, nil
}

func (c *wsConn) WriteMessage(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))

	return c.conn.Close()
}

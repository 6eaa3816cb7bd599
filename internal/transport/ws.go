package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn frames messages over a websocket. One text message carries exactly
// one frame body, so the stream-level length prefix is unnecessary here.
type WSConn struct {
	conn *websocket.Conn

	wmu sync.Mutex
}

var _ Conn = (*WSConn)(nil)

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func DialWS(ctx context.Context, url string) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not dial websocket: %w", err)
	}
	return NewWSConn(conn), nil
}

func (w *WSConn) ReadFrame() (string, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

func (w *WSConn) WriteFrame(body string) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, []byte(body))
}

func (w *WSConn) Close() error { return w.conn.Close() }

func (w *WSConn) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

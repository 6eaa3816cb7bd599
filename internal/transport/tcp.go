package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/railsim/railparty/internal/protocol"
)

// TCPConn frames messages over a plain TCP stream.
type TCPConn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
}

var _ Conn = (*TCPConn)(nil)

func NewTCPConn(conn net.Conn) *TCPConn {
	return &TCPConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
	}
}

func DialTCP(ctx context.Context, address string) (*TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not dial tcp: %w", err)
	}
	return NewTCPConn(conn), nil
}

func (t *TCPConn) ReadFrame() (string, error) {
	return protocol.ReadFrame(t.r)
}

func (t *TCPConn) WriteFrame(body string) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return protocol.WriteFrame(t.conn, body)
}

func (t *TCPConn) Close() error { return t.conn.Close() }

func (t *TCPConn) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

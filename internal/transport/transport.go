// Package transport frames session messages over a byte stream. Both sides
// of a connection speak the same length-prefixed text frames regardless of
// whether the bytes travel over TCP or a websocket.
package transport

import "net"

// Conn is a single framed message stream. Implementations support one
// concurrent reader and serialize concurrent writers internally.
type Conn interface {
	ReadFrame() (string, error)
	WriteFrame(body string) error
	Close() error
	RemoteAddr() net.Addr
}

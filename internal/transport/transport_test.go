package transport_test

import (
	"net"
	"testing"

	"github.com/matryer/is"

	"github.com/railsim/railparty/internal/transport"
)

func TestTCPConnRoundTrip(t *testing.T) {
	is := is.New(t)

	a, b := net.Pipe()
	left := transport.NewTCPConn(a)
	right := transport.NewTCPConn(b)
	defer left.Close()
	defer right.Close()

	bodies := []string{
		"ALIVE alice",
		"MESSAGE alice\tInfo\thello there",
		"", // empty body is a legal frame
	}

	errCh := make(chan error, 1)
	go func() {
		for _, body := range bodies {
			if err := left.WriteFrame(body); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for _, want := range bodies {
		got, err := right.ReadFrame()
		is.NoErr(err)
		is.Equal(got, want)
	}
	is.NoErr(<-errCh)
}

func TestTCPConnReadAfterClose(t *testing.T) {
	is := is.New(t)

	a, b := net.Pipe()
	left := transport.NewTCPConn(a)
	right := transport.NewTCPConn(b)

	is.NoErr(left.Close())
	_, err := right.ReadFrame()
	is.True(err != nil)
}

package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// A frame is the UTF-8 byte length of the body rendered as decimal, followed
// by ": ", followed by the body. The transport underneath is a plain byte
// stream, so the reader has to find frame boundaries itself.

const (
	// FrameMaxSize bounds a single message body. Train definition messages
	// for long consists are the largest senders; 1 MiB is far above them.
	FrameMaxSize = 1 << 20

	frameMaxLenDigits = 7
)

// WriteFrame writes body as one frame.
func WriteFrame(w io.Writer, body string) error {
	if len(body) > FrameMaxSize {
		return fmt.Errorf("frame too large (%d bytes)", len(body))
	}
	if _, err := fmt.Fprintf(w, "%d: %s", len(body), body); err != nil {
		return fmt.Errorf("could not write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame and returns its body. Any malformed
// prefix is fatal for the stream: the caller must tear the connection down.
func ReadFrame(r *bufio.Reader) (string, error) {
	var digits []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' || len(digits) >= frameMaxLenDigits {
			return "", fmt.Errorf("malformed frame length prefix")
		}
		digits = append(digits, b)
	}
	if len(digits) == 0 {
		return "", fmt.Errorf("malformed frame length prefix")
	}
	sp, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if sp != ' ' {
		return "", fmt.Errorf("malformed frame: expected space after length")
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil || n > FrameMaxSize {
		return "", fmt.Errorf("malformed frame length %q", digits)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", fmt.Errorf("short frame body: %w", err)
	}
	return string(body), nil
}

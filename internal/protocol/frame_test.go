package protocol_test

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/railsim/railparty/internal/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	is := is.New(t)

	var buf bytes.Buffer
	is.NoErr(protocol.WriteFrame(&buf, "ALIVE alice"))
	is.NoErr(protocol.WriteFrame(&buf, "TEXT alice\tAll\thello there"))

	r := bufio.NewReader(&buf)

	body, err := protocol.ReadFrame(r)
	is.NoErr(err)
	is.Equal(body, "ALIVE alice")

	body, err = protocol.ReadFrame(r)
	is.NoErr(err)
	is.Equal(body, "TEXT alice\tAll\thello there")
}

func TestFrameWirePrefix(t *testing.T) {
	is := is.New(t)

	var buf bytes.Buffer
	is.NoErr(protocol.WriteFrame(&buf, "ALIVE bob"))
	// decimal byte length, colon, space, body
	is.Equal(buf.String(), "9: ALIVE bob")
}

func TestFrameBodyWithMultibyteRunes(t *testing.T) {
	is := is.New(t)

	// the prefix counts bytes, not runes
	body := "TEXT müller\tAll\tgrüß dich"
	var buf bytes.Buffer
	is.NoErr(protocol.WriteFrame(&buf, body))

	got, err := protocol.ReadFrame(bufio.NewReader(&buf))
	is.NoErr(err)
	is.Equal(got, body)
}

func TestFrameMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
	}{
		{"no digits", ": ALIVE x"},
		{"garbage prefix", "abc: ALIVE x"},
		{"missing space", "7:ALIVE x"},
		{"truncated body", "100: ALIVE x"},
		{"oversized", "99999999: x"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)
			_, err := protocol.ReadFrame(bufio.NewReader(strings.NewReader(tc.in)))
			is.True(err != nil)
		})
	}
}

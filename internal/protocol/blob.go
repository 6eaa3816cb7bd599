package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/railsim/railparty/internal/debug"
)

// Binary-blob sub-protocol for the switch/signal snapshot messages:
// raw bytes -> gzip -> prepend 4-byte little-endian uncompressed length ->
// base64 -> embed as the payload tail.

const blobMaxSize = 1 << 24

// EncodeBlob renders raw as binary-safe text. Compressing into a memory
// buffer cannot fail, so the result is returned directly.
func EncodeBlob(raw []byte) string {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write(raw)
	debug.Assert(err == nil)
	err = zw.Close()
	debug.Assert(err == nil)

	out := make([]byte, 4+compressed.Len())
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(raw)))
	copy(out[4:], compressed.Bytes())

	return base64.StdEncoding.EncodeToString(out)
}

// DecodeBlob reverses EncodeBlob.
func DecodeBlob(s string) ([]byte, error) {
	packed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("could not decode blob text: %w", err)
	}
	if len(packed) < 4 {
		return nil, fmt.Errorf("blob too short (%d bytes)", len(packed))
	}
	n := binary.LittleEndian.Uint32(packed[0:4])
	if n > blobMaxSize {
		return nil, fmt.Errorf("blob declares unreasonable length %d", n)
	}

	zr, err := gzip.NewReader(bytes.NewReader(packed[4:]))
	if err != nil {
		return nil, fmt.Errorf("could not decompress blob: %w", err)
	}
	defer zr.Close()

	raw := make([]byte, n)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, fmt.Errorf("blob shorter than declared length: %w", err)
	}
	return raw, nil
}

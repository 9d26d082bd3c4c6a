// Package wire implements the daemon's stream framing: every message is a
// one byte protocol version, a four byte big-endian payload length and a
// zlib-compressed CBOR payload.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zlib"

	"torrentd/internal/codec"
)

const (
	// ProtocolVersion is the only header version this package speaks.
	ProtocolVersion byte = 1
	// HeaderSize is the fixed size of the version and length prefix.
	HeaderSize = 5
)

var (
	ErrVersionMismatch = errors.New("wire: protocol version mismatch")
	ErrFrameTooLarge   = errors.New("wire: payload exceeds frame length limit")
	ErrEmptyPayload    = errors.New("wire: empty payload")
)

var zlibWriters = sync.Pool{
	New: func() any { return zlib.NewWriter(io.Discard) },
}

// Frame serializes v and returns the complete frame ready to be written.
func Frame(v any) ([]byte, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(body)/2 + 16)
	buf.Write(make([]byte, HeaderSize))

	zw := zlibWriters.Get().(*zlib.Writer)
	zw.Reset(&buf)
	if _, err := zw.Write(body); err != nil {
		zlibWriters.Put(zw)
		return nil, fmt.Errorf("wire: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		zlibWriters.Put(zw)
		return nil, fmt.Errorf("wire: compress: %w", err)
	}
	zlibWriters.Put(zw)

	frame := buf.Bytes()
	n := len(frame) - HeaderSize
	if uint64(n) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}
	frame[0] = ProtocolVersion
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(n))
	return frame, nil
}

// decodePayload inflates a complete payload and checks that it holds one
// well-formed CBOR item.
func decodePayload(payload []byte) (codec.RawMessage, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("wire: decompress: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("wire: decompress: %w", err)
	}
	if err := codec.Wellformed(body); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return codec.RawMessage(body), nil
}

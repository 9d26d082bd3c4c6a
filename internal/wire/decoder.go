package wire

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"torrentd/internal/codec"
	"torrentd/internal/metrics"
)

// DefaultMaxFrameSize bounds the payload length a Decoder accepts.
const DefaultMaxFrameSize = 64 << 20

// Decoder reassembles frames from arbitrarily fragmented stream reads.
// It is not safe for concurrent use; one goroutine feeds it per stream.
type Decoder struct {
	logger   *slog.Logger
	maxFrame uint32
	buf      []byte
	length   uint32 // payload length of the message in progress; 0 until its header is read
	received int64
}

type DecoderOption func(*Decoder)

// WithMaxFrameSize overrides DefaultMaxFrameSize. Zero keeps the default.
func WithMaxFrameSize(n uint32) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxFrame = n
		}
	}
}

func NewDecoder(logger *slog.Logger, opts ...DecoderOption) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Decoder{logger: logger, maxFrame: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the reassembly buffer and returns every message
// it completes, in stream order.
//
// A header with an unknown version discards everything buffered, including
// the rest of chunk, and returns ErrVersionMismatch together with the
// messages completed before it. A header announcing a payload above the
// frame size limit is handled the same way with ErrFrameTooLarge. A
// complete frame whose payload cannot be decoded is logged and skipped.
func (d *Decoder) Feed(chunk []byte) ([]codec.RawMessage, error) {
	d.received += int64(len(chunk))
	metrics.WireBytesReceived.Add(float64(len(chunk)))
	d.buf = append(d.buf, chunk...)

	var out []codec.RawMessage
	for {
		if d.length == 0 {
			if len(d.buf) < HeaderSize {
				break
			}
			if version := d.buf[0]; version != ProtocolVersion {
				dropped := len(d.buf)
				d.Reset()
				metrics.WireFramesDropped.WithLabelValues("version").Inc()
				d.logger.Warn("wire: dropping stream buffer after version mismatch",
					slog.Int("version", int(version)),
					slog.Int("want", int(ProtocolVersion)),
					slog.Int("droppedBytes", dropped),
				)
				return out, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, ProtocolVersion)
			}
			length := binary.BigEndian.Uint32(d.buf[1:HeaderSize])
			if length > d.maxFrame {
				dropped := len(d.buf)
				d.Reset()
				metrics.WireFramesDropped.WithLabelValues("oversize").Inc()
				d.logger.Warn("wire: dropping stream buffer after oversize header",
					slog.Uint64("length", uint64(length)),
					slog.Uint64("limit", uint64(d.maxFrame)),
					slog.Int("droppedBytes", dropped),
				)
				return out, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, length, d.maxFrame)
			}
			d.length = length
			d.buf = d.buf[HeaderSize:]
			if d.length == 0 {
				metrics.WireFramesDropped.WithLabelValues("malformed").Inc()
				d.logger.Warn("wire: dropping frame", slog.Any("error", ErrEmptyPayload))
				continue
			}
		}

		if uint64(len(d.buf)) < uint64(d.length) {
			break
		}
		payload := d.buf[:d.length]
		d.buf = d.buf[d.length:]
		d.length = 0

		msg, err := decodePayload(payload)
		if err != nil {
			metrics.WireFramesDropped.WithLabelValues("malformed").Inc()
			d.logger.Warn("wire: dropping frame",
				slog.Int("payloadBytes", len(payload)),
				slog.Any("error", err),
			)
			continue
		}
		out = append(out, msg)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes held for an incomplete message.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// BytesReceived returns the cumulative number of bytes fed.
func (d *Decoder) BytesReceived() int64 {
	return d.received
}

// Reset discards any partially received message.
func (d *Decoder) Reset() {
	d.buf = nil
	d.length = 0
}

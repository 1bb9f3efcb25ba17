// Package framing splits the observe response body into protobuf
// frames. Each frame is one tag byte, a varint payload length and the
// payload, so a frame is itself a valid single-field protobuf message.
package framing

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds a single frame. Larger announced lengths
// are treated as stream corruption.
const DefaultMaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a frame header announces more than
// the configured maximum.
var ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")

// ErrMalformedLength is returned when the length varint cannot be parsed.
var ErrMalformedLength = errors.New("framing: malformed length prefix")

// Reader accumulates chunks and yields complete frames. It is not safe
// for concurrent use.
type Reader struct {
	buf      []byte
	expected int // 0 while the header is incomplete
	max      int
}

// NewReader returns a Reader. A maxFrame of 0 selects DefaultMaxFrameSize.
func NewReader(maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reader{max: maxFrame}
}

// Feed appends chunk and returns every frame it completed, in order.
// Returned slices are owned by the caller. After an error the Reader
// must be Reset before reuse.
func (r *Reader) Feed(chunk []byte) ([][]byte, error) {
	r.buf = append(r.buf, chunk...)

	var frames [][]byte
	for {
		if r.expected == 0 {
			n, err := r.frameLength()
			if err != nil {
				return frames, err
			}
			if n == 0 {
				return frames, nil
			}
			r.expected = n
		}
		if len(r.buf) < r.expected {
			return frames, nil
		}

		frame := make([]byte, r.expected)
		copy(frame, r.buf[:r.expected])
		frames = append(frames, frame)

		rest := copy(r.buf, r.buf[r.expected:])
		r.buf = r.buf[:rest]
		r.expected = 0
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *Reader) Buffered() int { return len(r.buf) }

// Reset drops any partial frame.
func (r *Reader) Reset() {
	r.buf = r.buf[:0]
	r.expected = 0
}

// frameLength returns the total length of the frame at the head of the
// buffer, or 0 if the header has not fully arrived.
func (r *Reader) frameLength() (int, error) {
	if len(r.buf) < 2 {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(r.buf[1:])
	if n < 0 {
		perr := protowire.ParseError(n)
		if errors.Is(perr, io.ErrUnexpectedEOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrMalformedLength, perr)
	}
	if v > uint64(r.max) {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, v, r.max)
	}
	return 1 + n + int(v), nil
}

package framing

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func frame(tag byte, payload []byte) []byte {
	b := []byte{tag}
	b = protowire.AppendVarint(b, uint64(len(payload)))
	return append(b, payload...)
}

func TestFeedSingleFrame(t *testing.T) {
	r := NewReader(0)
	f := frame(0x0a, []byte("hello"))

	got, err := r.Feed(f)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f, got[0])
	assert.Zero(t, r.Buffered())
}

func TestFeedCoalescedFrames(t *testing.T) {
	r := NewReader(0)
	a := frame(0x0a, []byte("one"))
	b := frame(0x12, []byte{0x08, 0x07})
	c := frame(0x7a, nil)

	got, err := r.Feed(bytes.Join([][]byte{a, b, c}, nil))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{a, b, c}, got)
}

func TestFeedHeaderSplitAcrossChunks(t *testing.T) {
	r := NewReader(0)
	f := frame(0x0a, bytes.Repeat([]byte{0xee}, 300)) // two-byte varint

	got, err := r.Feed(f[:1])
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = r.Feed(f[1:2])
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = r.Feed(f[2:])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f, got[0])
}

func TestFeedRandomSplitsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		var originals [][]byte
		var stream []byte
		n := 1 + rng.Intn(12)
		for i := 0; i < n; i++ {
			payload := make([]byte, rng.Intn(400))
			rng.Read(payload)
			f := frame(0x0a, payload)
			originals = append(originals, f)
			stream = append(stream, f...)
		}

		r := NewReader(0)
		var got [][]byte
		for len(stream) > 0 {
			cut := 1 + rng.Intn(len(stream))
			frames, err := r.Feed(stream[:cut])
			require.NoError(t, err)
			got = append(got, frames...)
			stream = stream[cut:]
		}

		require.Equal(t, originals, got, "iteration %d", iter)
		assert.Zero(t, r.Buffered())
	}
}

func TestFeedReturnsCopies(t *testing.T) {
	r := NewReader(0)
	in := frame(0x0a, []byte("abc"))
	in = append(in, frame(0x0a, []byte("def"))...)

	got, err := r.Feed(in)
	require.NoError(t, err)
	in[2] = 'X'
	assert.Equal(t, byte('a'), got[0][2])
}

func TestFeedRejectsOversizedFrame(t *testing.T) {
	r := NewReader(16)
	_, err := r.Feed(frame(0x0a, make([]byte, 17)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	r.Reset()
	got, err := r.Feed(frame(0x0a, []byte("ok")))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFeedRejectsMalformedLength(t *testing.T) {
	r := NewReader(0)
	bad := append([]byte{0x0a}, bytes.Repeat([]byte{0xff}, 11)...)
	_, err := r.Feed(bad)
	assert.ErrorIs(t, err, ErrMalformedLength)
}

package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	values := []any{
		"hello",
		42,
		3.14,
		map[string]int{"a": 1, "b": 2},
		[]any{"x", 7},
	}
	for _, v := range values {
		b, err := Wrap(v)
		require.NoError(t, err)
		assert.Equal(t, len(b.Data), b.Len())

		got, err := b.Unwrap()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestWrapErrorEmbedsTypeTag(t *testing.T) {
	_, err := Wrap(make(chan int))
	require.Error(t, err)
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, err.Error(), "chan int")
}

func TestWrapNil(t *testing.T) {
	var b *Blob
	assert.Equal(t, 0, b.Len())
	v, err := b.Unwrap()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestWrapSequenceIdentityDedup(t *testing.T) {
	big := &struct{ Payload string }{Payload: "shared between two tasks"}
	blobs, err := WrapSequence([]any{big, big, "tail"})
	require.NoError(t, err)
	require.Len(t, blobs, 3)

	// the two references are encoded once
	assert.Same(t, blobs[0], blobs[1])

	values, err := UnwrapSequence(blobs)
	require.NoError(t, err)
	assert.Equal(t, big.Payload, values[0].(*struct{ Payload string }).Payload)
	assert.Equal(t, "tail", values[2])
}

func TestWrapSequenceContentDedup(t *testing.T) {
	// non-comparable values dedup by the hash of their encoding
	a := []any{"same", "content"}
	b := []any{"same", "content"}
	blobs, err := WrapSequence([]any{a, b})
	require.NoError(t, err)
	assert.Same(t, blobs[0], blobs[1])
}

func TestWrapSequencePassThrough(t *testing.T) {
	pre, err := Wrap("already wrapped")
	require.NoError(t, err)
	blobs, err := WrapSequence([]any{pre})
	require.NoError(t, err)
	assert.Same(t, pre, blobs[0])
}

func TestSizes(t *testing.T) {
	total, parts, err := Sizes(map[string]any{
		"big":   "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx",
		"small": "x",
	})
	require.NoError(t, err)
	assert.Greater(t, total, 0)
	require.Len(t, parts, 2)
	assert.Equal(t, "big", parts[0].Key)
	assert.Greater(t, parts[0].Size, parts[1].Size)
}

func TestCompressionRoundTrip(t *testing.T) {
	SetCompression(true)
	defer SetCompression(false)

	v := map[string]int{"aaaaaaaaaaaaaaaa": 1, "bbbbbbbbbbbbbbbb": 2}
	b, err := Wrap(v)
	require.NoError(t, err)

	got, err := b.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestHumansize(t *testing.T) {
	assert.Equal(t, "512 B", Humansize(512))
	assert.Equal(t, "1.0 KB", Humansize(1024))
	assert.Equal(t, "1.0 MB", Humansize(1024*1024))
}

func init() {
	Register(&struct{ Payload string }{})
}

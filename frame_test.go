package qwormhole

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFrameRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	dst := AppendFrame(nil, payload)
	require.Len(t, dst, FrameHeaderSize+len(payload))

	var got []byte
	d := NewDecoder(0)
	err := d.Feed(dst, func(p []byte) error {
		got = append([]byte{}, p...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecoderZeroLengthFrame(t *testing.T) {
	dst := AppendFrame(nil, nil)
	var calls int
	d := NewDecoder(0)
	err := d.Feed(dst, func(p []byte) error {
		calls++
		assert.Empty(t, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDecoderAcceptsExactlyMaxFrameLength(t *testing.T) {
	payload := make([]byte, 16)
	dst := AppendFrame(nil, payload)
	d := NewDecoder(16)
	var calls int
	err := d.Feed(dst, func(p []byte) error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, d.Poisoned())
}

func TestDecoderPoisonsOnOversizeFrame(t *testing.T) {
	payload := make([]byte, 17)
	dst := AppendFrame(nil, payload)
	d := NewDecoder(16)
	err := d.Feed(dst, func(p []byte) error { return nil })
	require.Error(t, err)
	var ferr *FramingError
	require.ErrorAs(t, err, &ferr)
	assert.True(t, d.Poisoned())

	err = d.Feed([]byte{0, 0, 0, 1, 'x'}, func(p []byte) error { return nil })
	require.Error(t, err)

	d.Reset()
	assert.False(t, d.Poisoned())
}

func TestDecoderAccumulatesPartialFrames(t *testing.T) {
	payload := []byte("split across pushes")
	dst := AppendFrame(nil, payload)
	d := NewDecoder(0)

	var got []byte
	err := d.Feed(dst[:3], func(p []byte) error { got = append([]byte{}, p...); return nil })
	require.NoError(t, err)
	assert.Nil(t, got)

	err = d.Feed(dst[3:], func(p []byte) error { got = append([]byte{}, p...); return nil })
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecoderMultipleFramesInOneChunk(t *testing.T) {
	var dst []byte
	dst = AppendFrame(dst, []byte("first"))
	dst = AppendFrame(dst, []byte("second"))
	dst = AppendFrame(dst, []byte("third"))

	var got []string
	d := NewDecoder(0)
	err := d.Feed(dst, func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

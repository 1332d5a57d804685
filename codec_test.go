package qwormhole

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codecSample struct {
	Name  string `json:"name" cbor:"name" codec:"name"`
	Count int    `json:"count" cbor:"count" codec:"count"`
}

func TestCodecForSelectsByHint(t *testing.T) {
	assert.Equal(t, CodecCBOR, CodecFor(CodecCBOR).Name())
	assert.Equal(t, CodecMessagePack, CodecFor(CodecMessagePack).Name())
	assert.Equal(t, CodecJSONCompressed, CodecFor(CodecJSONCompressed).Name())
	assert.Equal(t, CodecFlatbuffers, CodecFor(CodecFlatbuffers).Name())
	assert.Equal(t, "json", CodecFor("unknown-hint").Name())
}

func TestCBORCodecRoundTrip(t *testing.T) {
	c := cborCodec{}
	in := codecSample{Name: "trust-light", Count: 32}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out codecSample
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestMsgpackCodecRoundTrip(t *testing.T) {
	c := msgpackCodec{}
	in := codecSample{Name: "immune", Count: 8}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out codecSample
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestJSONCompressedCodecRoundTrip(t *testing.T) {
	c := jsonCompressedCodec{}
	in := codecSample{Name: "paranoia", Count: 1}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out codecSample
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestFlatCodecRoundTrip(t *testing.T) {
	c := flatCodec{}
	in := map[string]string{"role": "peer", "zone": "us-east"}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestFlatCodecRejectsWrongTypes(t *testing.T) {
	c := flatCodec{}
	_, err := c.Marshal(codecSample{})
	assert.Error(t, err)

	var out map[string]string
	err = c.Unmarshal([]byte{0, 0}, &out)
	assert.Error(t, err, "truncated length header must error, not panic")
}

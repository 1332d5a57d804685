package qwormhole

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/ugorji/go/codec"
)

// Codec encodes/decodes application payloads per the entropy policy's
// codec hint (spec.md §3 table). Implementations are pure and
// allocation-light; none of them touch the wire format itself (the
// length prefix is added by Framer.Encode regardless of codec choice).
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CodecFor returns the Codec implementation matching an entropy policy's
// codec hint.
func CodecFor(hint string) Codec {
	switch hint {
	case CodecCBOR:
		return cborCodec{}
	case CodecMessagePack:
		return msgpackCodec{}
	case CodecJSONCompressed:
		return jsonCompressedCodec{}
	case CodecFlatbuffers:
		return flatCodec{}
	default:
		return jsonCodec{}
	}
}

// jsonCodec is the fallback for an unrecognized hint, and is also what
// the client uses to encode its handshake payload.
type jsonCodec struct{}

func (jsonCodec) Name() string                   { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)  { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// cborCodec serves the trust-light row, grounded on
// xendarboh-katzenpost's use of github.com/fxamacker/cbor/v2.
type cborCodec struct{}

func (cborCodec) Name() string                   { return CodecCBOR }
func (cborCodec) Marshal(v any) ([]byte, error)  { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(b []byte, v any) error { return cbor.Unmarshal(b, v) }

// msgpackCodec serves the immune row, via github.com/ugorji/go/codec's
// msgpack handle (same repo as the cbor dependency above).
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMessagePack }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(b []byte, v any) error {
	dec := codec.NewDecoderBytes(b, &codec.MsgpackHandle{})
	return dec.Decode(v)
}

// jsonCompressedCodec serves the paranoia row: JSON wrapped in gzip,
// grounded on nishisan-dev-n-backup's use of
// github.com/klauspost/compress.
type jsonCompressedCodec struct{}

func (jsonCompressedCodec) Name() string { return CodecJSONCompressed }

func (jsonCompressedCodec) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (jsonCompressedCodec) Unmarshal(b []byte, v any) error {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer r.Close()
	dec := json.NewDecoder(r)
	return dec.Decode(v)
}

// flatCodec serves the trust-zero row. No flatbuffers library appears
// anywhere in the retrieved example pack (teacher or otherwise); per
// DESIGN.md this is a minimal fixed-layout binary encoder over
// encoding/binary instead of a generated flatbuffers schema. It only
// supports map[string]string (tag-style payloads); any other type is
// rejected with an error.
type flatCodec struct{}

func (flatCodec) Name() string { return CodecFlatbuffers }

func (flatCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("flatCodec: unsupported type %T", v)
	}
	var buf bytes.Buffer
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(m)))
	buf.Write(count[:])
	for k, val := range m {
		writeFlatString(&buf, k)
		writeFlatString(&buf, val)
	}
	return buf.Bytes(), nil
}

func (flatCodec) Unmarshal(b []byte, v any) error {
	out, ok := v.(*map[string]string)
	if !ok {
		return fmt.Errorf("flatCodec: unsupported target %T", v)
	}
	if len(b) < 4 {
		return fmt.Errorf("flatCodec: truncated payload")
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	m := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		k, rest, err := readFlatString(b)
		if err != nil {
			return err
		}
		val, rest2, err := readFlatString(rest)
		if err != nil {
			return err
		}
		m[k] = val
		b = rest2
	}
	*out = m
	return nil
}

func writeFlatString(buf *bytes.Buffer, s string) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(s)))
	buf.Write(length[:])
	buf.WriteString(s)
}

func readFlatString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("flatCodec: truncated string length")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, fmt.Errorf("flatCodec: truncated string body")
	}
	return string(b[:n]), b[n:], nil
}

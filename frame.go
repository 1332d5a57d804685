package qwormhole

import (
	"encoding/binary"
)

// FrameHeaderSize is the length of the wire header: one big-endian uint32.
const FrameHeaderSize = 4

// DefaultMaxFrameLength is the default ceiling on a single frame payload.
const DefaultMaxFrameLength = 4 * 1024 * 1024

// AppendFrame writes a length-prefixed frame for payload into dst and
// returns the extended slice.
func AppendFrame(dst []byte, payload []byte) []byte {
	var hdr [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst
}

// Decoder parses a byte stream into length-prefixed frames (spec.md §4.A).
// It accumulates partial input across Feed calls and is poisoned
// permanently once it sees an oversized frame, until Reset.
type Decoder struct {
	maxFrameLength uint32
	buf            []byte
	poisoned       bool
}

// NewDecoder returns a Decoder that rejects frames longer than
// maxFrameLength. A maxFrameLength of 0 selects DefaultMaxFrameLength.
func NewDecoder(maxFrameLength uint32) *Decoder {
	if maxFrameLength == 0 {
		maxFrameLength = DefaultMaxFrameLength
	}
	return &Decoder{maxFrameLength: maxFrameLength}
}

// Poisoned reports whether the decoder rejected an oversized frame and
// will not parse further input until Reset.
func (d *Decoder) Poisoned() bool { return d.poisoned }

// Reset clears accumulated bytes and the poisoned flag.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.poisoned = false
}

// Feed appends chunk to the internal accumulator and delivers every
// complete frame found to onFrame, in order. onFrame must not retain the
// slice past the call; copy if needed. Feed stops and returns a
// *FramingError the instant an oversized length header is seen; the
// decoder is poisoned from that point until Reset.
func (d *Decoder) Feed(chunk []byte, onFrame func(payload []byte) error) error {
	if d.poisoned {
		return &FramingError{MaxLength: d.maxFrameLength}
	}
	d.buf = append(d.buf, chunk...)

	offset := 0
	for len(d.buf)-offset >= FrameHeaderSize {
		length := binary.BigEndian.Uint32(d.buf[offset : offset+FrameHeaderSize])
		if length > d.maxFrameLength {
			d.poisoned = true
			d.buf = d.buf[:0]
			return &FramingError{Length: length, MaxLength: d.maxFrameLength}
		}
		frameEnd := offset + FrameHeaderSize + int(length)
		if len(d.buf) < frameEnd {
			break
		}
		payload := d.buf[offset+FrameHeaderSize : frameEnd]
		if err := onFrame(payload); err != nil {
			offset = frameEnd
			d.compact(offset)
			return err
		}
		offset = frameEnd
	}
	d.compact(offset)
	return nil
}

// compact drops the consumed prefix [0:offset) from the accumulator.
func (d *Decoder) compact(offset int) {
	if offset == 0 {
		return
	}
	remaining := len(d.buf) - offset
	copy(d.buf, d.buf[offset:])
	d.buf = d.buf[:remaining]
}

// Package bsdiff implements the suffix-array-based binary differ and
// its matching patch applier, producing and consuming the BSDIFF40
// three-stream bzip2 patch format.
package bsdiff

import (
	"github.com/affggh/otaupdate/errs"
)

// Magic is the 8-byte BSDIFF40 header tag. Chunked image-diff patches use
// a separate "PKGDIFF0" magic (see package imgdiff), followed by a chunk
// count rather than three stream lengths.
const Magic = "BSDIFF40"

// HeaderLen is the fixed byte length of the header: 8-byte magic plus
// three signed 64-bit little-endian lengths.
const HeaderLen = 8 + 8*3

// Header carries the three stream lengths. The encoding can carry a sign,
// but this generator writes all three as non-negative values and
// DecodeHeader rejects negative ones.
type Header struct {
	ControlSize int64
	DiffSize    int64
	NewSize     int64
}

// putInt64 encodes v the way BSDIFF40 requires: absolute value in the
// low 63 bits, little-endian, sign carried in the top bit of the last
// byte.
func putInt64(buf []byte, v int64) {
	neg := v < 0
	y := uint64(v)
	if neg {
		y = uint64(-v)
	}
	for i := 0; i < 8; i++ {
		buf[i] = byte(y & 0xff)
		y >>= 8
	}
	if neg {
		buf[7] |= 0x80
	}
}

func getInt64(buf []byte) int64 {
	neg := buf[7]&0x80 != 0
	var y uint64
	for i := 7; i >= 0; i-- {
		b := buf[i]
		if i == 7 {
			b &^= 0x80
		}
		y = (y << 8) | uint64(b)
	}
	v := int64(y)
	if neg {
		v = -v
	}
	return v
}

// EncodeHeader renders the 32-byte BSDIFF40 header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[0:8], Magic)
	putInt64(buf[8:16], h.ControlSize)
	putInt64(buf[16:24], h.DiffSize)
	putInt64(buf[24:32], h.NewSize)
	return buf
}

// DecodeHeader parses and validates the header, rejecting a bad magic or
// negative lengths.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, errs.New(errs.BadPatch, "patch header truncated")
	}
	if string(buf[0:8]) != Magic {
		return Header{}, errs.New(errs.BadPatch, "bad patch magic")
	}
	h := Header{
		ControlSize: getInt64(buf[8:16]),
		DiffSize:    getInt64(buf[16:24]),
		NewSize:     getInt64(buf[24:32]),
	}
	if h.ControlSize < 0 || h.DiffSize < 0 || h.NewSize < 0 {
		return Header{}, errs.New(errs.BadPatch, "patch header has negative length")
	}
	return h, nil
}

// controlTriple is one (diffLen, extraLen, oldOffsetDelta) entry of the
// control stream.
type controlTriple struct {
	DiffLen        int64
	ExtraLen       int64
	OldOffsetDelta int64
}

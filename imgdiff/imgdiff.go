// Package imgdiff applies an ImageDiff: a PKGDIFF0 container carrying a
// sequence of typed chunks (raw, normal, bsdiff) describing per-region
// patches inside a whole partition image.
//
// Wire format: 8-byte magic "PKGDIFF0", a little-endian uint32 chunk
// count, then that many chunks of the form:
//
//	tag(1 byte) raw=0 normal=1 bsdiff=2
//	raw:     dstLen(8 LE) | dstLen bytes
//	normal:  srcStart(8 LE) | srcLen(8 LE) | dstLen(8 LE)
//	bsdiff:  patchOffset(8 LE) | patchLen(8 LE) | srcStart(8 LE) | srcLen(8 LE)
//
// patchOffset is an absolute byte offset into the full ImageDiff
// container passed to Apply, not into the remaining chunk-header stream —
// it lets an arbitrary number of bsdiff chunks share one trailing region
// of embedded per-chunk patches without the header stream itself growing
// order-dependent.
package imgdiff

import (
	"encoding/binary"

	"github.com/affggh/otaupdate/bsdiff"
	"github.com/affggh/otaupdate/errs"
)

const Magic = "PKGDIFF0"

const (
	chunkRaw byte = iota
	chunkNormal
	chunkBSDiff
)

// Apply reconstructs the full new image from old and an ImageDiff patch.
// Nested imgdiff chunks are not part of the chunk tag set and so cannot
// be expressed; any unknown tag is BadPatch.
func Apply(old, patch []byte) ([]byte, error) {
	if len(patch) < 12 || string(patch[:8]) != Magic {
		return nil, errs.New(errs.BadPatch, "bad image-diff magic")
	}
	count := binary.LittleEndian.Uint32(patch[8:12])
	body := patch[12:]

	var out []byte
	for i := uint32(0); i < count; i++ {
		chunk, rest, err := readChunk(old, patch, body)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		body = rest
	}
	return out, nil
}

// readChunk parses one chunk header from body (the remaining slice of the
// sequential chunk-header stream) and returns the reconstructed bytes for
// that chunk plus the body slice advanced past the header it consumed.
// patch is the full container, used for the bsdiff chunk's patchOffset,
// which indexes absolutely into patch rather than into body.
func readChunk(old, patch, body []byte) (chunk []byte, rest []byte, err error) {
	if len(body) < 1 {
		return nil, nil, errs.New(errs.BadPatch, "image-diff truncated before chunk tag")
	}
	tag := body[0]
	body = body[1:]

	switch tag {
	case chunkRaw:
		if len(body) < 8 {
			return nil, nil, errs.New(errs.BadPatch, "raw chunk truncated")
		}
		dstLen := binary.LittleEndian.Uint64(body[0:8])
		body = body[8:]
		if uint64(len(body)) < dstLen {
			return nil, nil, errs.New(errs.BadPatch, "raw chunk payload truncated")
		}
		return append([]byte(nil), body[:dstLen]...), body[dstLen:], nil

	case chunkNormal:
		if len(body) < 24 {
			return nil, nil, errs.New(errs.BadPatch, "normal chunk truncated")
		}
		srcStart := binary.LittleEndian.Uint64(body[0:8])
		srcLen := binary.LittleEndian.Uint64(body[8:16])
		dstLen := binary.LittleEndian.Uint64(body[16:24])
		body = body[24:]
		if err := boundsCheck(old, srcStart, srcLen); err != nil {
			return nil, nil, err
		}
		if srcLen != dstLen {
			return nil, nil, errs.New(errs.BadPatch, "normal chunk srcLen != dstLen")
		}
		return append([]byte(nil), old[srcStart:srcStart+srcLen]...), body, nil

	case chunkBSDiff:
		if len(body) < 32 {
			return nil, nil, errs.New(errs.BadPatch, "bsdiff chunk truncated")
		}
		patchOffset := binary.LittleEndian.Uint64(body[0:8])
		patchLen := binary.LittleEndian.Uint64(body[8:16])
		srcStart := binary.LittleEndian.Uint64(body[16:24])
		srcLen := binary.LittleEndian.Uint64(body[24:32])
		body = body[32:]
		if err := boundsCheck(old, srcStart, srcLen); err != nil {
			return nil, nil, err
		}
		if patchOffset > uint64(len(patch)) || patchLen > uint64(len(patch))-patchOffset {
			return nil, nil, errs.New(errs.BadPatch, "bsdiff chunk patch slice out of range")
		}
		sub := old[srcStart : srcStart+srcLen]
		patchBytes := patch[patchOffset : patchOffset+patchLen]
		result, err := bsdiff.Apply(sub, patchBytes)
		if err != nil {
			return nil, nil, err
		}
		return result, body, nil

	default:
		return nil, nil, errs.New(errs.BadPatch, "unknown image-diff chunk type")
	}
}

func boundsCheck(old []byte, start, length uint64) error {
	// A declared source range past the image bounds is an error, never
	// clamped.
	if start > uint64(len(old)) || length > uint64(len(old))-start {
		return errs.New(errs.BadPatch, "image-diff source range exceeds image bounds")
	}
	return nil
}

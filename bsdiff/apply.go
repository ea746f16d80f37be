package bsdiff

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/affggh/otaupdate/errs"
)

// Apply reconstructs the new image from old and a BSDIFF40 patch. It
// is deterministic: the same (old, patch) pair always yields the same
// bytes.
func Apply(old, patch []byte) ([]byte, error) {
	hdr, err := DecodeHeader(patch)
	if err != nil {
		return nil, err
	}

	rest := patch[HeaderLen:]
	if int64(len(rest)) < hdr.ControlSize+hdr.DiffSize {
		return nil, errs.New(errs.BadPatch, "patch truncated before diff/extra streams")
	}
	controlBuf := rest[:hdr.ControlSize]
	diffBuf := rest[hdr.ControlSize : hdr.ControlSize+hdr.DiffSize]
	extraBuf := rest[hdr.ControlSize+hdr.DiffSize:]

	control := bzip2.NewReader(bytes.NewReader(controlBuf))
	diff := bzip2.NewReader(bytes.NewReader(diffBuf))
	extra := bzip2.NewReader(bytes.NewReader(extraBuf))

	newBuf := make([]byte, hdr.NewSize)
	var oldOffset, newOffset int64

	for newOffset < hdr.NewSize {
		triple, err := readControlTriple(control)
		if err != nil {
			return nil, errs.Wrap(errs.BadPatch, "read control triple", err)
		}

		if triple.DiffLen < 0 || triple.ExtraLen < 0 {
			return nil, errs.New(errs.BadPatch, "negative length in control triple")
		}
		if newOffset+triple.DiffLen > hdr.NewSize {
			return nil, errs.New(errs.BadPatch, "control overflow: diff run exceeds new size")
		}

		if triple.DiffLen > 0 {
			diffBytes := make([]byte, triple.DiffLen)
			if _, err := io.ReadFull(diff, diffBytes); err != nil {
				return nil, errs.Wrap(errs.BadPatch, "short read of diff stream", err)
			}
			for i := int64(0); i < triple.DiffLen; i++ {
				oldByte := byte(0)
				if oldOffset+i >= 0 && oldOffset+i < int64(len(old)) {
					oldByte = old[oldOffset+i]
				}
				newBuf[newOffset+i] = diffBytes[i] + oldByte
			}
			newOffset += triple.DiffLen
			oldOffset += triple.DiffLen
		}

		if newOffset+triple.ExtraLen > hdr.NewSize {
			return nil, errs.New(errs.BadPatch, "control overflow: extra run exceeds new size")
		}
		if triple.ExtraLen > 0 {
			if _, err := io.ReadFull(extra, newBuf[newOffset:newOffset+triple.ExtraLen]); err != nil {
				return nil, errs.Wrap(errs.BadPatch, "short read of extra stream", err)
			}
			newOffset += triple.ExtraLen
		}

		oldOffset += triple.OldOffsetDelta
	}

	if newOffset != hdr.NewSize {
		return nil, errs.New(errs.BadPatch, "new image size mismatch after applying patch")
	}
	return newBuf, nil
}

func readControlTriple(r io.Reader) (controlTriple, error) {
	var buf [24]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return controlTriple{}, err
	}
	return controlTriple{
		DiffLen:        getInt64(buf[0:8]),
		ExtraLen:       getInt64(buf[8:16]),
		OldOffsetDelta: getInt64(buf[16:24]),
	}, nil
}

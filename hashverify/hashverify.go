// Package hashverify computes the rolling SHA-256 of a BlockSet read from
// a block device and compares it to an expected digest.
package hashverify

import (
	"bytes"
	"crypto/sha256"
	"os"

	"github.com/affggh/otaupdate/blockdev"
	"github.com/affggh/otaupdate/blockset"
	"github.com/affggh/otaupdate/errs"
)

// Verify reads every block in s from f in order, feeding a running SHA-256,
// and compares the result to want. expectedBlocks guards against a caller
// passing a BlockSet that doesn't match the partition it claims to cover.
func Verify(f *os.File, s *blockset.Set, want [32]byte, expectedBlocks int64) error {
	if s.Size() != expectedBlocks {
		return errs.New(errs.InvalidRange, "block set size does not match expected block count")
	}

	h := sha256.New()
	buf := make([]byte, blockdev.BlockSize)

	var readErr error
	s.Iterate(func(block int64) bool {
		if err := blockdev.ReadBlock(f, block, buf); err != nil {
			readErr = errs.Wrap(errs.IOError, "read failed during hash verification", err)
			return false
		}
		h.Write(buf)
		return true
	})
	if readErr != nil {
		return readErr
	}

	got := h.Sum(nil)
	if !bytes.Equal(got, want[:]) {
		return errs.New(errs.HashMismatch, "computed digest does not match expected digest")
	}
	return nil
}

// Sum computes the digest over s without comparing it to anything, for
// callers that need the hash itself rather than a pass/fail verdict.
func Sum(f *os.File, s *blockset.Set) ([32]byte, error) {
	h := sha256.New()
	buf := make([]byte, blockdev.BlockSize)

	var out [32]byte
	var readErr error
	s.Iterate(func(block int64) bool {
		if err := blockdev.ReadBlock(f, block, buf); err != nil {
			readErr = errs.Wrap(errs.IOError, "read failed computing digest", err)
			return false
		}
		h.Write(buf)
		return true
	})
	if readErr != nil {
		return out, readErr
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

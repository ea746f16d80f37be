// Package blockwriter implements the crash-safe, at-most-once block
// device writer: a small writer-mode dispatch in front of a
// seek+retry-write+fsync discipline, with real BLKDISCARD support where
// the kernel offers it and a zero-fill fallback otherwise.
package blockwriter

import (
	"os"
	"unsafe"

	"github.com/affggh/otaupdate/blockdev"
	"github.com/affggh/otaupdate/blockset"
	"github.com/affggh/otaupdate/errs"
	"golang.org/x/sys/unix"
)

// Ioctl request numbers for discarding a block range; golang.org/x/sys/unix
// does not name them on every platform, so they carry the same fixed values
// the kernel headers define (_IO(0x12,119) and _IO(0x12,125)).
const (
	blkdiscard    = 4727
	blksecdiscard = 4733
)

// Mode selects the writer implementation a partition target uses: a
// raw image write vs a block-level write vs, eventually, an encrypting
// write.
type Mode int

const (
	ModeRaw Mode = iota
	ModeBlock
)

// Writer is the crash-safe surface package transferlist's Interpreter
// writes through.
type Writer struct {
	f    *os.File
	mode Mode
}

// Open opens path for writing under the given mode. ModeBlock requires
// path to be a block special device; ModeRaw accepts a regular file
// too, which is how tests exercise it without root.
func Open(path string, mode Mode) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "open write target", err)
	}
	return &Writer{f: f, mode: mode}, nil
}

// FromFile wraps an already-open file, for callers (and tests) that
// manage the descriptor's lifetime themselves.
func FromFile(f *os.File, mode Mode) *Writer {
	return &Writer{f: f, mode: mode}
}

func (w *Writer) Close() error { return w.f.Close() }

// writeAt loops on partial writes instead of treating them as
// success.
func writeAt(f *os.File, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := f.WriteAt(buf, off)
		if err != nil {
			return err
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// ReadRange implements transferlist.Target.
func (w *Writer) ReadRange(s *blockset.Set) ([]byte, error) {
	var out []byte
	buf := make([]byte, blockdev.BlockSize)
	for _, r := range s.Ranges() {
		for b := r.Start; b < r.End; b++ {
			if err := blockdev.ReadBlock(w.f, b, buf); err != nil {
				return nil, errs.Wrap(errs.IOError, "read block range", err)
			}
			out = append(out, buf...)
		}
	}
	return out, nil
}

// WriteRange writes data (exactly Size()*BlockSize bytes) to s's
// ranges and fsyncs once at the end, never mid-range: a crash before
// the fsync must never be observed as "partially applied".
func (w *Writer) WriteRange(s *blockset.Set, data []byte) error {
	if int64(len(data)) != s.Size()*blockdev.BlockSize {
		return errs.New(errs.InvalidRange, "write data size does not match target range size")
	}
	off := 0
	for _, r := range s.Ranges() {
		n := int((r.End - r.Start) * blockdev.BlockSize)
		if err := writeAt(w.f, data[off:off+n], r.Start*blockdev.BlockSize); err != nil {
			return errs.Wrap(errs.IOError, "write block range", err)
		}
		off += n
	}
	return w.Sync()
}

// Sync fsyncs the underlying file descriptor.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return errs.Wrap(errs.IOError, "fsync write target", err)
	}
	return nil
}

// Discard implements transferlist.Target's erase semantics: issue the
// discard ioctls for a block device and fall back to writing zeros when
// they are unsupported (regular files, or a kernel/device that rejects
// them).
func (w *Writer) Discard(s *blockset.Set) error {
	if w.mode == ModeBlock {
		for _, r := range s.Ranges() {
			rng := [2]uint64{uint64(r.Start * blockdev.BlockSize), uint64((r.End - r.Start) * blockdev.BlockSize)}
			// Secure discard is preferred where the device offers it; plain
			// discard is the fallback, zero-fill the last resort.
			_, _, errno := unix.Syscall(unix.SYS_IOCTL, w.f.Fd(), blksecdiscard, uintptr(unsafe.Pointer(&rng[0])))
			if errno != 0 {
				_, _, errno = unix.Syscall(unix.SYS_IOCTL, w.f.Fd(), blkdiscard, uintptr(unsafe.Pointer(&rng[0])))
			}
			if errno == 0 {
				continue
			}
			if err := w.zeroFill(r); err != nil {
				return err
			}
		}
		return w.Sync()
	}
	for _, r := range s.Ranges() {
		if err := w.zeroFill(r); err != nil {
			return err
		}
	}
	return w.Sync()
}

func (w *Writer) zeroFill(r blockset.Range) error {
	zero := make([]byte, blockdev.BlockSize)
	for b := r.Start; b < r.End; b++ {
		if err := writeAt(w.f, zero, b*blockdev.BlockSize); err != nil {
			return errs.Wrap(errs.IOError, "zero-fill discard fallback", err)
		}
	}
	return nil
}

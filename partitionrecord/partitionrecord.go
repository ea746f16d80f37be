// Package partitionrecord implements the single-writer journal embedded
// in the misc region that records per-partition "done" flags so retried
// update runs are idempotent at partition granularity.
//
// Layout: the write-offset cursor lives at byte 2048 as a signed
// 64-bit little-endian integer; the record array starts at byte 2056,
// each record packed as a 64-byte NUL-padded name followed by a single
// "updated" byte.
package partitionrecord

import (
	"encoding/binary"
	"os"

	"github.com/affggh/otaupdate/errs"
	"golang.org/x/sys/unix"
)

const (
	// NameLen is the fixed width of the NUL-padded partition name field.
	NameLen = 64
	// RecordLen is one on-disk record: name plus the updated flag byte.
	RecordLen = NameLen + 1
	// OffsetPos is the byte offset of the 8-byte write cursor.
	OffsetPos = 2048
	// RecordAreaStart is the byte offset of the first record slot.
	RecordAreaStart = 2056
)

// Record is one parsed partition-done entry.
type Record struct {
	Name    string
	Updated bool
}

// Journal is a handle to one misc region's partition record area. It is
// not safe for concurrent use by multiple processes beyond the exclusive
// open discipline below; within one process, callers serialize access
// themselves.
type Journal struct {
	path      string
	areaBytes int64 // total size of the record area, for MiscFull checks
}

// New returns a Journal over the misc device at path. areaBytes bounds
// the record array so MarkDone can report MiscFull instead of writing
// past the area.
func New(path string, areaBytes int64) *Journal {
	return &Journal{path: path, areaBytes: areaBytes}
}

// openExclusive opens the misc device and takes an exclusive BSD-style
// flock on it, the way siderolabs/go-blockdevice's Linux block-device
// open does, so there is exactly one writer at a time. The lock is
// released when f is closed.
func (j *Journal) openExclusive(flag int) (*os.File, error) {
	f, err := os.OpenFile(j.path, flag, 0)
	if err != nil {
		return nil, errs.Wrap(errs.MiscUnavailable, "open misc partition", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.MiscUnavailable, "lock misc partition", err)
	}
	return f, nil
}

// IsDone reports whether name's most recent record has its updated flag
// set. A name with no record is reported as not done.
func (j *Journal) IsDone(name string) (bool, error) {
	f, err := j.openExclusive(os.O_RDONLY)
	if err != nil {
		return false, err
	}
	defer f.Close()

	offset, err := readOffset(f)
	if err != nil {
		return false, err
	}

	buf := make([]byte, offset)
	if offset > 0 {
		if _, err := f.ReadAt(buf, RecordAreaStart); err != nil {
			return false, errs.Wrap(errs.IOError, "read partition record area", err)
		}
	}

	found := false
	var updated bool
	for off := int64(0); off+RecordLen <= offset; off += RecordLen {
		rec := buf[off : off+RecordLen]
		recName := trimName(rec[:NameLen])
		if recName == name {
			updated = rec[NameLen] != 0
			found = true
		}
	}
	if !found {
		return false, nil
	}
	return updated, nil
}

// MarkDone appends a new record for name with the given updated flag.
// The write offset is written last and fsynced, so a crash mid-append
// leaves the previous state intact on recovery (trailing bytes past the
// offset are simply ignored by IsDone/IsDone-style scans).
func (j *Journal) MarkDone(name string, updated bool) error {
	if len(name) >= NameLen {
		return errs.New(errs.ProgramInvalid, "partition name too long")
	}

	f, err := j.openExclusive(os.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close()

	offset, err := readOffset(f)
	if err != nil {
		return err
	}

	if j.areaBytes > 0 && offset+RecordLen > j.areaBytes {
		return errs.New(errs.MiscFull, "partition record area is full")
	}

	rec := make([]byte, RecordLen)
	copy(rec, name)
	if updated {
		rec[NameLen] = 1
	}

	if _, err := f.WriteAt(rec, RecordAreaStart+offset); err != nil {
		return errs.Wrap(errs.IOError, "write partition record", err)
	}

	newOffset := offset + RecordLen
	if err := writeOffset(f, newOffset); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.IOError, "fsync misc partition", err)
	}
	return nil
}

// Clear resets the write offset to zero and zeros the record area so a
// fresh update pass starts with no partitions recorded as done.
func (j *Journal) Clear() error {
	f, err := j.openExclusive(os.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close()

	if j.areaBytes > 0 {
		zeros := make([]byte, j.areaBytes)
		if _, err := f.WriteAt(zeros, RecordAreaStart); err != nil {
			return errs.Wrap(errs.IOError, "zero partition record area", err)
		}
	}
	if err := writeOffset(f, 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.IOError, "fsync misc partition", err)
	}
	return nil
}

func trimName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func readOffset(f *os.File) (int64, error) {
	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, OffsetPos)
	if err != nil && n != 8 {
		// A never-initialized misc region reads as all zeros in practice.
		// A read that fills all 8 bytes is accepted even if it also reports
		// EOF; a shorter read (a device that ends before the cursor) is fatal.
		return 0, errs.Wrap(errs.IOError, "read partition record offset", err)
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func writeOffset(f *os.File, offset int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(offset))
	if _, err := f.WriteAt(buf, OffsetPos); err != nil {
		return errs.Wrap(errs.IOError, "write partition record offset", err)
	}
	return nil
}

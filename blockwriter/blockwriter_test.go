package blockwriter_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/affggh/otaupdate/blockdev"
	"github.com/affggh/otaupdate/blockset"
	"github.com/affggh/otaupdate/blockwriter"
)

func tempBackingFile(t *testing.T, blocks int64) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "target-*.img")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(blocks * blockdev.BlockSize); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestWriteRangeThenReadRangeRoundTrip(t *testing.T) {
	t.Log("Testing a write followed by a read of the same range")

	f := tempBackingFile(t, 4)
	w := blockwriter.FromFile(f, blockwriter.ModeRaw)
	defer w.Close()

	s, err := blockset.New([2]int64{1, 3})
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{0x7A}, int(s.Size())*blockdev.BlockSize)

	if err := w.WriteRange(s, data); err != nil {
		t.Fatal(err)
	}
	got, err := w.ReadRange(s)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back data does not match written data")
	}
}

func TestWriteRangeRejectsWrongSize(t *testing.T) {
	t.Log("Testing a write whose payload size does not match the target range is rejected")

	f := tempBackingFile(t, 2)
	w := blockwriter.FromFile(f, blockwriter.ModeRaw)
	defer w.Close()

	s, err := blockset.New([2]int64{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRange(s, make([]byte, blockdev.BlockSize-1)); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestDiscardFallsBackToZeroFillOnRegularFile(t *testing.T) {
	t.Log("Testing discard zero-fills when the backing file is not a block device")

	f := tempBackingFile(t, 2)
	w := blockwriter.FromFile(f, blockwriter.ModeRaw)
	defer w.Close()

	s, err := blockset.New([2]int64{0, 2})
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{0xFF}, int(s.Size())*blockdev.BlockSize)
	if err := w.WriteRange(s, data); err != nil {
		t.Fatal(err)
	}

	if err := w.Discard(s); err != nil {
		t.Fatal(err)
	}

	got, err := w.ReadRange(s)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, len(data))
	if !bytes.Equal(got, want) {
		t.Fatal("discarded range is not zeroed")
	}
}

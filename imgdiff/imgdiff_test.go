package imgdiff_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/affggh/otaupdate/bsdiff"
	"github.com/affggh/otaupdate/imgdiff"
)

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestApplyRawAndNormalChunks(t *testing.T) {
	t.Log("Testing an image diff mixing a raw chunk and a normal (copy) chunk")

	old := bytes.Repeat([]byte{0x11}, 64)

	var buf bytes.Buffer
	buf.WriteString(imgdiff.Magic)
	buf.Write(u32(2))

	// chunk 0: raw "hi"
	buf.WriteByte(0)
	buf.Write(u64(2))
	buf.WriteString("hi")

	// chunk 1: normal, copy old[0:8] through unchanged
	buf.WriteByte(1)
	buf.Write(u64(0))
	buf.Write(u64(8))
	buf.Write(u64(8))

	got, err := imgdiff.Apply(old, buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte("hi"), old[0:8]...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestApplyBSDiffChunk(t *testing.T) {
	t.Log("Testing an image diff with an embedded bsdiff chunk")

	old := bytes.Repeat([]byte{0x00}, 32)
	region := old[4:12]
	newRegion := append([]byte(nil), region...)
	newRegion[0] = 0xFF

	patch, err := bsdiff.Generate(region, newRegion)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	buf.WriteString(imgdiff.Magic)
	buf.Write(u32(1))

	headerLen := 1 + 32 // tag + 4 uint64 fields
	patchOffset := uint64(len(imgdiff.Magic) + 4 + headerLen)

	buf.WriteByte(2)
	buf.Write(u64(patchOffset))
	buf.Write(u64(uint64(len(patch))))
	buf.Write(u64(4))
	buf.Write(u64(8))
	buf.Write(patch)

	got, err := imgdiff.Apply(old, buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, newRegion) {
		t.Fatalf("got %x, want %x", got, newRegion)
	}
}

func TestApplyRejectsOutOfBoundsSource(t *testing.T) {
	t.Log("Testing a normal chunk with a source range past the image is rejected")

	old := make([]byte, 16)

	var buf bytes.Buffer
	buf.WriteString(imgdiff.Magic)
	buf.Write(u32(1))
	buf.WriteByte(1)
	buf.Write(u64(10))
	buf.Write(u64(20))
	buf.Write(u64(20))

	if _, err := imgdiff.Apply(old, buf.Bytes()); err == nil {
		t.Fatal("expected error for out-of-bounds source range")
	}
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

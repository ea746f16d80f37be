package hashverify_test

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/affggh/otaupdate/blockdev"
	"github.com/affggh/otaupdate/blockset"
	"github.com/affggh/otaupdate/errs"
	"github.com/affggh/otaupdate/hashverify"
)

func writeTestDevice(t *testing.T, blocks int) (*os.File, []byte) {
	t.Helper()
	data := make([]byte, blocks*blockdev.BlockSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "device.img")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f, data
}

func TestVerifyMatchingDigest(t *testing.T) {
	t.Log("Testing hash verification against a matching digest")

	f, data := writeTestDevice(t, 4)
	s, _ := blockset.New([2]int64{0, 4})

	want := sha256.Sum256(data)
	if err := hashverify.Verify(f, s, want, 4); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	t.Log("Testing hash verification reports HashMismatch")

	f, _ := writeTestDevice(t, 4)
	s, _ := blockset.New([2]int64{0, 4})

	var wrong [32]byte
	err := hashverify.Verify(f, s, wrong, 4)
	if !errs.Of(err, errs.HashMismatch) {
		t.Fatalf("expected HashMismatch, got %v", err)
	}
}

func TestVerifyBlockCountMismatch(t *testing.T) {
	t.Log("Testing hash verification reports InvalidRange on block count mismatch")

	f, _ := writeTestDevice(t, 4)
	s, _ := blockset.New([2]int64{0, 4})

	var want [32]byte
	err := hashverify.Verify(f, s, want, 5)
	if !errs.Of(err, errs.InvalidRange) {
		t.Fatalf("expected InvalidRange, got %v", err)
	}
}

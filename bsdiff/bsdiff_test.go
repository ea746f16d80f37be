package bsdiff_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/affggh/otaupdate/bsdiff"
)

func TestEmptyPatch(t *testing.T) {
	t.Log("Testing old == new produces a no-op patch")

	old := []byte("abc")
	newData := []byte("abc")

	patch, err := bsdiff.Generate(old, newData)
	if err != nil {
		t.Fatal(err)
	}
	got, err := bsdiff.Apply(old, patch)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, newData) {
		t.Fatalf("got %q, want %q", got, newData)
	}
}

func TestPureInsert(t *testing.T) {
	t.Log("Testing old == \"\" produces an all-extra patch")

	old := []byte("")
	newData := []byte("hello")

	patch, err := bsdiff.Generate(old, newData)
	if err != nil {
		t.Fatal(err)
	}
	got, err := bsdiff.Apply(old, patch)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, newData) {
		t.Fatalf("got %q, want %q", got, newData)
	}
}

func TestSubstitutionAtFixedOffset(t *testing.T) {
	t.Log("Testing a narrow substitution inside a large zero-filled buffer")

	old := make([]byte, 4096)
	for i := 100; i < 104; i++ {
		old[i] = 0xAA
	}
	newData := make([]byte, 4096)
	copy(newData, old)
	for i := 100; i < 104; i++ {
		newData[i] = 0xBB
	}

	patch, err := bsdiff.Generate(old, newData)
	if err != nil {
		t.Fatal(err)
	}
	got, err := bsdiff.Apply(old, patch)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, newData) {
		t.Fatal("reconstructed image does not match expected new image")
	}
}

func TestApplyIsDeterministic(t *testing.T) {
	t.Log("Testing Apply is deterministic across repeated runs")

	r := rand.New(rand.NewSource(1))
	old := make([]byte, 8192)
	r.Read(old)
	newData := append([]byte{}, old...)
	for i := 0; i < 200; i++ {
		newData[r.Intn(len(newData))] = byte(r.Intn(256))
	}

	patch, err := bsdiff.Generate(old, newData)
	if err != nil {
		t.Fatal(err)
	}

	first, err := bsdiff.Apply(old, patch)
	if err != nil {
		t.Fatal(err)
	}
	second, err := bsdiff.Apply(old, patch)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("Apply produced different output on repeated runs")
	}
	if !bytes.Equal(first, newData) {
		t.Fatal("Apply(Generate(old, new), old) != new")
	}
}

func TestBadMagicRejected(t *testing.T) {
	t.Log("Testing a corrupt patch magic is rejected")

	bad := make([]byte, bsdiff.HeaderLen)
	copy(bad, "NOTAPATCH")
	if _, err := bsdiff.Apply([]byte("abc"), bad); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

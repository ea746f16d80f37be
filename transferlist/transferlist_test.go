package transferlist_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/affggh/otaupdate/blockset"
	"github.com/affggh/otaupdate/transferlist"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// memTarget is an in-memory Target for exercising the interpreter
// without a real block device.
type memTarget struct {
	data      []byte
	discarded []*blockset.Set
}

func newMemTarget(size int64) *memTarget {
	return &memTarget{data: make([]byte, size)}
}

func (m *memTarget) ReadRange(s *blockset.Set) ([]byte, error) {
	var out []byte
	for _, r := range s.Ranges() {
		out = append(out, m.data[r.Start*4096:r.End*4096]...)
	}
	return out, nil
}

func (m *memTarget) WriteRange(s *blockset.Set, data []byte) error {
	off := 0
	for _, r := range s.Ranges() {
		n := int((r.End - r.Start) * 4096)
		copy(m.data[r.Start*4096:r.End*4096], data[off:off+n])
		off += n
	}
	return nil
}

func (m *memTarget) Discard(s *blockset.Set) error {
	for _, r := range s.Ranges() {
		for i := r.Start * 4096; i < r.End*4096; i++ {
			m.data[i] = 0
		}
	}
	m.discarded = append(m.discarded, s)
	return nil
}

func TestInterpreterNewAndMove(t *testing.T) {
	t.Log("Testing new-data write followed by a move within the target")

	newData := bytes.Repeat([]byte{0x42}, 4096)
	script := "1\n2\n" +
		"new 2,0,1\n" +
		"move " + hashOf(newData) + " 2,1,2 1 2,0,1\n"

	header, cmds, err := transferlist.Parse(strings.NewReader(script))
	if err != nil {
		t.Fatal(err)
	}
	if header.Version != 1 || header.BlockCount != 2 {
		t.Fatalf("unexpected header: %+v", header)
	}

	target := newMemTarget(2 * 4096)

	in := &transferlist.Interpreter{Target: target, NewData: bytes.NewReader(newData)}
	in.SetCommands(cmds)

	if err := in.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(target.data[0:4096], newData) {
		t.Fatal("block 0 did not receive new data")
	}
	if !bytes.Equal(target.data[4096:8192], newData) {
		t.Fatal("block 1 did not receive moved data")
	}
}

func TestInterpreterStashAndFreeWithMove(t *testing.T) {
	t.Log("Testing stash then a stash-sourced move, then free")

	stashed := bytes.Repeat([]byte{0x55}, 4096)
	key := hashOf(stashed)
	script := "1\n3\n" +
		"stash " + key + " 2,0,1\n" +
		"zero 2,0,1\n" +
		"move " + key + " 2,2,3 1 stash:" + key + "\n" +
		"free " + key + "\n"

	_, cmds, err := transferlist.Parse(strings.NewReader(script))
	if err != nil {
		t.Fatal(err)
	}

	target := newMemTarget(3 * 4096)
	copy(target.data[0:4096], stashed)

	in := &transferlist.Interpreter{
		Target: target,
		Stash:  transferlist.NewStashStore(t.TempDir()),
	}
	in.SetCommands(cmds)

	if err := in.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := bytes.Repeat([]byte{0x55}, 4096)
	if !bytes.Equal(target.data[8192:12288], want) {
		t.Fatal("block 2 did not receive the stashed content")
	}
	if !bytes.Equal(target.data[0:4096], make([]byte, 4096)) {
		t.Fatal("block 0 should have been zeroed")
	}
}

func TestInterpreterRejectsMoveHashMismatch(t *testing.T) {
	t.Log("Testing a move whose annotated hash does not match the source blocks fails closed")

	script := "1\n2\n" +
		"move " + hashOf([]byte("wrong content")) + " 2,1,2 1 2,0,1\n"

	_, cmds, err := transferlist.Parse(strings.NewReader(script))
	if err != nil {
		t.Fatal(err)
	}

	target := newMemTarget(2 * 4096)
	in := &transferlist.Interpreter{Target: target}
	in.SetCommands(cmds)

	if err := in.Run(context.Background()); err == nil {
		t.Fatal("expected a hash mismatch error")
	}
}

func TestParseRejectsMoveCountMismatch(t *testing.T) {
	t.Log("Testing a move whose count field disagrees with its target range size is rejected")

	_, _, err := transferlist.Parse(strings.NewReader("1\n2\n" +
		"move " + hashOf([]byte("x")) + " 2,1,2 2 2,0,1\n"))
	if err == nil {
		t.Fatal("expected error for count/target size mismatch")
	}
}

func TestParseRejectsUnknownCommand(t *testing.T) {
	t.Log("Testing an unrecognized transfer list command is rejected")

	_, _, err := transferlist.Parse(strings.NewReader("1\n1\nfrobnicate 2,0,1\n"))
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestStashRefcountSharesContent(t *testing.T) {
	t.Log("Testing two stash ids for identical content share storage and survive a partial free")

	s := transferlist.NewStashStore(t.TempDir())
	data := []byte("identical payload")

	if err := s.Put("a", data); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("b", data); err != nil {
		t.Fatal(err)
	}
	if err := s.Free("a"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("b")
	if err != nil {
		t.Fatalf("expected b to still be retrievable after freeing a: %v", err)
	}
	if string(got) != string(data) {
		t.Fatal("stash content mismatch")
	}
}

func TestZeroWritesZerosWithoutDiscard(t *testing.T) {
	t.Log("Testing that zero writes zeros explicitly while erase goes through discard")

	target := newMemTarget(4 * 4096)
	for i := range target.data {
		target.data[i] = 0xFF
	}

	list := "1\n4\n" +
		"zero 2,0,2\n" +
		"erase 2,2,4\n"
	_, cmds, err := transferlist.Parse(strings.NewReader(list))
	if err != nil {
		t.Fatal(err)
	}

	in := &transferlist.Interpreter{Target: target}
	in.SetCommands(cmds)
	if err := in.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(target.data, make([]byte, 4*4096)) {
		t.Fatal("zeroed and erased ranges are not all zero")
	}
	if len(target.discarded) != 1 {
		t.Fatalf("discard was invoked %d times, want exactly once (for erase)", len(target.discarded))
	}
}

func TestNewCommandWithoutNewDataBlobFails(t *testing.T) {
	t.Log("Testing a transfer list that pulls new data when the package carries none")

	_, cmds, err := transferlist.Parse(strings.NewReader("1\n1\nnew 2,0,1\n"))
	if err != nil {
		t.Fatal(err)
	}

	in := &transferlist.Interpreter{Target: newMemTarget(4096)}
	in.SetCommands(cmds)
	if err := in.Run(context.Background()); err == nil {
		t.Fatal("expected an error for new without a new-data blob")
	}
}

package partitionrecord_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/affggh/otaupdate/partitionrecord"
)

func newMiscFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "misc.img")
	if err := os.WriteFile(path, make([]byte, 64*1024), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMarkDoneThenIsDone(t *testing.T) {
	t.Log("Testing MarkDone followed by IsDone on a fresh misc region")

	j := partitionrecord.New(newMiscFile(t), 32*1024)

	done, err := j.IsDone("boot")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("expected boot to be not done before MarkDone")
	}

	if err := j.MarkDone("boot", true); err != nil {
		t.Fatal(err)
	}

	done, err = j.IsDone("boot")
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected boot to be done after MarkDone")
	}
}

func TestMultiplePartitionsSkipAlreadyDone(t *testing.T) {
	t.Log("Testing partitions = [boot, system, vendor], mark boot done, others proceed")

	j := partitionrecord.New(newMiscFile(t), 32*1024)

	if err := j.MarkDone("boot", true); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"boot", "system", "vendor"} {
		done, err := j.IsDone(name)
		if err != nil {
			t.Fatal(err)
		}
		want := name == "boot"
		if done != want {
			t.Fatalf("partition %s: IsDone = %v, want %v", name, done, want)
		}
	}

	for _, name := range []string{"system", "vendor"} {
		if err := j.MarkDone(name, true); err != nil {
			t.Fatal(err)
		}
	}

	for _, name := range []string{"boot", "system", "vendor"} {
		done, err := j.IsDone(name)
		if err != nil {
			t.Fatal(err)
		}
		if !done {
			t.Fatalf("partition %s expected done after full pass", name)
		}
	}
}

func TestClearResetsOffset(t *testing.T) {
	t.Log("Testing Clear resets the journal to empty")

	j := partitionrecord.New(newMiscFile(t), 32*1024)
	if err := j.MarkDone("boot", true); err != nil {
		t.Fatal(err)
	}
	if err := j.Clear(); err != nil {
		t.Fatal(err)
	}
	done, err := j.IsDone("boot")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("expected boot to be not done after Clear")
	}
}

func TestMarkDoneOverflowReportsMiscFull(t *testing.T) {
	t.Log("Testing MarkDone reports MiscFull when the record area is exhausted")

	j := partitionrecord.New(newMiscFile(t), partitionrecord.RecordLen)
	if err := j.MarkDone("boot", true); err != nil {
		t.Fatal(err)
	}
	if err := j.MarkDone("system", true); err == nil {
		t.Fatal("expected MiscFull error on second record")
	}
}

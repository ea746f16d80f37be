package updater_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/affggh/otaupdate/pkgmanifest"
	"github.com/affggh/otaupdate/pkgreader"
	"github.com/affggh/otaupdate/updater"
)

func TestParsePipeLineGrammar(t *testing.T) {
	ev, ok := updater.ParsePipeLine("set_progress:0.25")
	if !ok || ev.Tag != updater.PipeSetProgress || ev.Payload != "0.25" {
		t.Fatalf("parsed %+v ok=%v", ev, ok)
	}

	ev, ok = updater.ParsePipeLine("ui_log: flashing system ")
	if !ok || ev.Tag != updater.PipeUILog || ev.Payload != "flashing system" {
		t.Fatalf("parsed %+v ok=%v", ev, ok)
	}

	if _, ok := updater.ParsePipeLine("no tag separator here"); ok {
		t.Fatal("line without a tag separator should not parse")
	}
	if _, ok := updater.ParsePipeLine(":payload-without-tag"); ok {
		t.Fatal("line with an empty tag should not parse")
	}
}

func TestProgressAggregatorBuildsSingleCurve(t *testing.T) {
	var agg updater.ProgressAggregator

	// Two phases: verify worth 0.1, write worth 0.9.
	agg.ShowProgress(0.1)
	agg.SetProgress(1.0)
	if v := agg.Value(); v != 0.1 {
		t.Fatalf("after verify phase, value = %v, want 0.1", v)
	}

	agg.ShowProgress(0.9)
	agg.SetProgress(0.5)
	if v := agg.Value(); v < 0.549 || v > 0.551 {
		t.Fatalf("mid write phase, value = %v, want 0.55", v)
	}

	agg.SetProgress(1.0)
	if v := agg.Value(); v != 1.0 {
		t.Fatalf("completed, value = %v, want 1.0", v)
	}
}

func TestProgressAggregatorClampsOutOfRangeInput(t *testing.T) {
	var agg updater.ProgressAggregator
	agg.ShowProgress(2.0)
	agg.SetProgress(5.0)
	if v := agg.Value(); v != 1.0 {
		t.Fatalf("value = %v, want clamp to 1.0", v)
	}
}

func TestRunProgramForwardsPipeEvents(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("child program protocol uses inherited pipe fds")
	}

	// A stand-in updater program speaking the pipe protocol on fd 3.
	script := `#!/bin/sh
echo "show_progress:1.0,0" >&3
echo "set_progress:0.5" >&3
echo "write_log:halfway" >&3
echo "retry_update:" >&3
exit 0
`
	dir := t.TempDir()
	prog := filepath.Join(dir, "fake-updater")
	if err := os.WriteFile(prog, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	var lastProgress float64
	var logged []string
	result, err := updater.RunProgram(context.Background(), prog, "/tmp/pkg.zip", false, updater.ChildSink{
		Progress: func(frac float64) { lastProgress = frac },
		WriteLog: func(line string) { logged = append(logged, line) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if !result.RetryRequested {
		t.Fatal("retry_update line was not latched into the result")
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d", result.ExitCode)
	}
	if lastProgress != 0.5 {
		t.Fatalf("aggregated progress = %v, want 0.5", lastProgress)
	}
	if len(logged) != 1 || logged[0] != "halfway" {
		t.Fatalf("forwarded log lines = %v", logged)
	}
}

func TestExtractProgramPrefersPackageBinary(t *testing.T) {
	_, key := selfSignedECDSACert(t)

	program := []byte("#!/bin/sh\nexit 0\n")
	sum := sha256.Sum256(program)
	pkgBytes := buildSignedPackage(t, key,
		[]pkgmanifest.ComponentEntry{{
			Identity:         "bin/updater",
			Type:             pkgmanifest.ComponentUpdaterProgram,
			UncompressedSize: uint64(len(program)),
			Digest:           sum[:],
		}},
		map[string][]byte{"bin/updater": program})

	r, err := pkgreader.Open(bytes.NewReader(pkgBytes), int64(len(pkgBytes)))
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path, err := updater.ExtractProgram(r, dir, "/bin/false")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("extracted program path %q is not under %q", path, dir)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, program) {
		t.Fatal("extracted program bytes differ from the package component")
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode()&0o111 == 0 {
		t.Fatal("extracted program is not executable")
	}
}

func TestExtractProgramFallsBackWhenAbsent(t *testing.T) {
	_, key := selfSignedECDSACert(t)
	pkgBytes := buildSignedPackage(t, key, nil, nil)

	r, err := pkgreader.Open(bytes.NewReader(pkgBytes), int64(len(pkgBytes)))
	if err != nil {
		t.Fatal(err)
	}

	path, err := updater.ExtractProgram(r, t.TempDir(), "/bin/updater-fallback")
	if err != nil {
		t.Fatal(err)
	}
	if path != "/bin/updater-fallback" {
		t.Fatalf("fallback path = %q", path)
	}
}

func TestRunProgramReportsNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("child program protocol uses inherited pipe fds")
	}

	script := "#!/bin/sh\nexit 7\n"
	dir := t.TempDir()
	prog := filepath.Join(dir, "failing-updater")
	if err := os.WriteFile(prog, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	result, err := updater.RunProgram(context.Background(), prog, "/tmp/pkg.zip", true, updater.ChildSink{})
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", result.ExitCode)
	}
}

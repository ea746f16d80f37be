package updater

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/affggh/otaupdate/errs"
	"github.com/affggh/otaupdate/pkgmanifest"
	"github.com/affggh/otaupdate/pkgreader"
)

// Pipe tags the spawned updater program writes on its progress pipe.
// Each line is "<tag>:<payload>".
const (
	PipeSetProgress  = "set_progress"  // payload: float in [0,1] within the current phase
	PipeShowProgress = "show_progress" // payload: "<frac>,<dummy>" — weight of the next phase
	PipeWriteLog     = "write_log"     // payload: a log line for the persistent updater log
	PipeUILog        = "ui_log"        // payload: a line for the on-screen console
	PipeRetryUpdate  = "retry_update"  // payload: ignored; requests reboot-and-retry
)

// PipeEvent is one parsed line of the child's progress protocol.
type PipeEvent struct {
	Tag     string
	Payload string
}

// ParsePipeLine splits a "<tag>:<payload>" line. Unknown tags are not an
// error here; the reader loop skips lines it does not understand rather
// than killing the child over them.
func ParsePipeLine(line string) (PipeEvent, bool) {
	tag, payload, found := strings.Cut(line, ":")
	if !found || tag == "" {
		return PipeEvent{}, false
	}
	return PipeEvent{Tag: tag, Payload: strings.TrimSpace(payload)}, true
}

// ProgressAggregator folds the child's per-phase progress reports into
// a single 0..1 curve. show_progress opens a new phase with the given
// weight; set_progress positions the cursor inside it.
type ProgressAggregator struct {
	base   float64 // completed weight of finished phases
	weight float64 // weight of the phase currently reporting
	frac   float64 // last set_progress within the current phase
}

// ShowProgress starts a new phase worth weight of the whole curve.
func (a *ProgressAggregator) ShowProgress(weight float64) {
	a.base += a.weight * a.frac
	if weight < 0 {
		weight = 0
	}
	a.weight = weight
	a.frac = 0
}

// SetProgress positions the cursor inside the current phase.
func (a *ProgressAggregator) SetProgress(frac float64) {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	a.frac = frac
}

// Value returns the aggregated position in [0,1].
func (a *ProgressAggregator) Value() float64 {
	v := a.base + a.weight*a.frac
	if v > 1 {
		v = 1
	}
	return v
}

// ChildResult is what a completed child run reported.
type ChildResult struct {
	RetryRequested bool
	ExitCode       int
}

// ChildSink receives the child's forwarded log lines and aggregated
// progress. Any field may be nil.
type ChildSink struct {
	Progress func(frac float64)
	WriteLog func(line string)
	UILog    func(line string)
}

// ExtractProgram pulls the package's embedded updater program out to
// dir and makes it executable. When the package carries no program
// component it returns fallback, the on-device binary used instead; an
// empty fallback is an error.
func ExtractProgram(r *pkgreader.Reader, dir, fallback string) (string, error) {
	m, err := r.LoadPackage()
	if err != nil {
		return "", err
	}

	var entry *pkgmanifest.ComponentEntry
	for i := range m.Entries {
		if m.Entries[i].Type == pkgmanifest.ComponentUpdaterProgram {
			entry = &m.Entries[i]
			break
		}
	}
	if entry == nil {
		if fallback == "" {
			return "", errs.New(errs.BadPackage, "package carries no updater program and no fallback is configured")
		}
		return fallback, nil
	}

	path := filepath.Join(dir, filepath.Base(entry.Identity))
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", errs.Wrap(errs.IOError, "create extracted updater program", err)
	}
	if err := r.ExtractTo(entry.Identity, out, nil); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", errs.Wrap(errs.IOError, "close extracted updater program", err)
	}
	return path, nil
}

// RunProgram spawns the updater program as a child process with the
// write end of a pipe as fd 3, passing argv [pkgPath, pipeFd, retry=0|1],
// and reads tag:payload lines until
// the pipe closes. The child's lines are forwarded through sink; a
// retry_update line is latched into the result rather than acted on
// here, since only the driver may touch the boot message.
func RunProgram(ctx context.Context, program, pkgPath string, retry bool, sink ChildSink) (ChildResult, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return ChildResult{}, errs.Wrap(errs.IOError, "create progress pipe", err)
	}

	retryArg := "retry=0"
	if retry {
		retryArg = "retry=1"
	}
	// ExtraFiles[0] becomes fd 3 in the child.
	cmd := exec.CommandContext(ctx, program, pkgPath, "3", retryArg)
	cmd.ExtraFiles = []*os.File{pw}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return ChildResult{}, errs.Wrap(errs.IOError, "spawn updater program", err)
	}
	// The parent's copy of the write end must close so the read loop sees
	// EOF when the child exits.
	pw.Close()

	var result ChildResult
	var agg ProgressAggregator

	sc := bufio.NewScanner(pr)
	for sc.Scan() {
		ev, ok := ParsePipeLine(sc.Text())
		if !ok {
			continue
		}
		switch ev.Tag {
		case PipeSetProgress:
			if f, err := strconv.ParseFloat(ev.Payload, 64); err == nil {
				agg.SetProgress(f)
				if sink.Progress != nil {
					sink.Progress(agg.Value())
				}
			}
		case PipeShowProgress:
			fracStr, _, _ := strings.Cut(ev.Payload, ",")
			if f, err := strconv.ParseFloat(fracStr, 64); err == nil {
				agg.ShowProgress(f)
				if sink.Progress != nil {
					sink.Progress(agg.Value())
				}
			}
		case PipeWriteLog:
			if sink.WriteLog != nil {
				sink.WriteLog(ev.Payload)
			}
		case PipeUILog:
			if sink.UILog != nil {
				sink.UILog(ev.Payload)
			}
		case PipeRetryUpdate:
			result.RetryRequested = true
		}
	}
	scanErr := sc.Err()
	pr.Close()

	waitErr := cmd.Wait()
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		waitErr = nil
	}
	if waitErr != nil {
		return result, errs.Wrap(errs.IOError, "wait for updater program", waitErr)
	}
	if scanErr != nil {
		return result, errs.Wrap(errs.IOError, "read progress pipe", scanErr)
	}
	return result, nil
}

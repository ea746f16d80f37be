package updater

import (
	"os"
	"strconv"
	"strings"

	"github.com/affggh/otaupdate/bootmsg"
	"github.com/affggh/otaupdate/errs"
	"github.com/affggh/otaupdate/partitionrecord"
	"github.com/affggh/otaupdate/pkgreader"
	"github.com/affggh/otaupdate/sign"
)

// Params is the decoded updater invocation carried in the boot message's
// update argument.
type Params struct {
	Packages        []string // every --update_package, in order
	RetryCount      int
	PkgLocation     int // --upgraded_pkg_num: first package not yet applied
	SDCardUpdate    bool
	UserWipeData    bool
	FactoryWipeData bool
}

// ParseParams decodes msg.Update. Unlike bootmsg.ParseArgs it keeps every
// repeated --update_package token, since a multi-package update names each
// package with its own token.
func ParseParams(msg *bootmsg.Message) Params {
	var p Params
	for _, line := range strings.Split(msg.Update, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "--") {
			continue
		}
		key, value, _ := strings.Cut(strings.TrimPrefix(line, "--"), "=")
		switch key {
		case "update_package":
			p.Packages = append(p.Packages, value)
		case "retry_count":
			if n, err := strconv.Atoi(value); err == nil {
				p.RetryCount = n
			}
		case "upgraded_pkg_num":
			if n, err := strconv.Atoi(value); err == nil {
				p.PkgLocation = n
			}
		case "sdcard_update":
			p.SDCardUpdate = true
		case "user_wipe_data":
			p.UserWipeData = true
		case "factory_wipe_data":
			p.FactoryWipeData = true
		}
	}
	return p
}

// formatParams renders p back into the boot message token grammar.
func formatParams(p Params) string {
	var lines []string
	for _, pkg := range p.Packages {
		lines = append(lines, "--update_package="+pkg)
	}
	lines = append(lines, "--retry_count="+strconv.Itoa(p.RetryCount))
	lines = append(lines, "--upgraded_pkg_num="+strconv.Itoa(p.PkgLocation))
	if p.SDCardUpdate {
		lines = append(lines, "--sdcard_update")
	}
	if p.UserWipeData {
		lines = append(lines, "--user_wipe_data")
	}
	if p.FactoryWipeData {
		lines = append(lines, "--factory_wipe_data")
	}
	return strings.Join(lines, "\n")
}

// verifyReserve is the share of the progress curve spent before any
// blocks are written: signature and manifest verification.
const verifyReserve = 0.05

// ProgressPlan computes each package's start position on the overall
// 0..1 curve: the verify reserve first, then weights proportional to
// packed size. The returned slice has len(sizes)+1 entries; entry i is
// package i's start and entry len(sizes) is 1.0.
func ProgressPlan(sizes []int64) []float64 {
	starts := make([]float64, len(sizes)+1)
	var total int64
	for _, s := range sizes {
		total += s
	}
	pos := verifyReserve
	for i, s := range sizes {
		starts[i] = pos
		if total > 0 {
			pos += (1 - verifyReserve) * float64(s) / float64(total)
		}
	}
	starts[len(sizes)] = 1.0
	return starts
}

// Session orchestrates a whole updater boot: read the boot message,
// decode the package list, and run each not-yet-applied package through
// a Driver, persisting per-package completion back into the boot message
// so an interrupted run resumes where it left off.
type Session struct {
	BootMsg  bootmsg.MountResolver
	Trust    sign.TrustStore
	Journal  *partitionrecord.Journal
	StashDir string
	Progress chan<- ProgressEvent

	OpenTarget TargetOpener

	// Reboot requests a reboot into the named target ("updater" for a
	// retry, "" for the normal system). Nil means the caller handles
	// rebooting itself after Run returns.
	Reboot func(target string) error
}

// Run executes every package the boot message names, starting at the
// recorded upgraded_pkg_num. On full success the boot message is
// cleared; on a retry-eligible failure it is rewritten with an
// incremented retry_count and a reboot into the updater is requested.
func (s *Session) Run() error {
	msg, err := bootmsg.ReadMisc(s.BootMsg)
	if err != nil {
		return err
	}
	if msg.Command != bootmsg.CommandBootUpdater {
		return errs.New(errs.ProgramInvalid, "boot message does not request the updater")
	}

	p := ParseParams(msg)
	if len(p.Packages) == 0 {
		return errs.New(errs.ProgramInvalid, "boot message names no update package")
	}
	if p.RetryCount >= bootmsg.MaxRetryCount {
		return errs.New(errs.ProgramInvalid, "retry budget exhausted")
	}

	if p.RetryCount == 0 {
		// First attempt: reset partition completion state and pre-record
		// one consumed retry so an update interrupted by an abnormal
		// reset still counts against the budget.
		if err := s.Journal.Clear(); err != nil {
			return err
		}
		p.RetryCount = 1
		if err := s.writeParams(msg, p); err != nil {
			return err
		}
	}

	starts := ProgressPlan(s.packageSizes(p.Packages))
	for ; p.PkgLocation < len(p.Packages); p.PkgLocation++ {
		if err := s.runPackage(p.Packages[p.PkgLocation]); err != nil {
			return s.failPackage(msg, p, err)
		}
		// Persist the advance so a reboot resumes at the next package.
		if err := s.writeParams(msg, p.next()); err != nil {
			return err
		}
		sendProgress(s.Progress, TagPercent, strconv.Itoa(int(starts[p.PkgLocation+1]*100)))
	}

	// All packages applied: clear the boot message so the next boot is
	// normal, then hand off to the reboot hook.
	msg.Command = bootmsg.CommandNone
	msg.Status = ""
	msg.Update = ""
	if err := bootmsg.WriteMisc(s.BootMsg, msg); err != nil {
		return err
	}
	if s.Reboot != nil {
		return s.Reboot("")
	}
	return nil
}

func (p Params) next() Params {
	p.PkgLocation++
	return p
}

func (s *Session) writeParams(msg *bootmsg.Message, p Params) error {
	msg.Command = bootmsg.CommandBootUpdater
	msg.Update = formatParams(p)
	return bootmsg.WriteMisc(s.BootMsg, msg)
}

// packageSizes stats each package for the progress plan; a package that
// cannot be statted here weighs zero and fails properly when opened.
func (s *Session) packageSizes(paths []string) []int64 {
	sizes := make([]int64, len(paths))
	for i, path := range paths {
		if st, err := os.Stat(path); err == nil {
			sizes[i] = st.Size()
		}
	}
	return sizes
}

func (s *Session) runPackage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IOError, "open update package", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return errs.Wrap(errs.IOError, "stat update package", err)
	}

	r, err := pkgreader.Open(f, st.Size())
	if err != nil {
		return err
	}

	d := &Driver{
		Package:  r,
		Trust:    s.Trust,
		Journal:  s.Journal,
		Progress: s.Progress,
		StashDir: s.StashDir,

		OpenTarget: s.OpenTarget,
	}
	// The session owns boot-message retry state; the driver must not
	// also bump it, so it gets no resolver.
	return d.Run()
}

// failPackage decides between reboot-retry and permanent failure for
// the package that just failed.
func (s *Session) failPackage(msg *bootmsg.Message, p Params, cause error) error {
	class := Classify(cause)
	count, retry := NextRetry(class, p.RetryCount)
	if !retry {
		// Permanent failure: clear the boot message so the next boot is
		// normal and the failure is surfaced once, not looped.
		msg.Command = bootmsg.CommandNone
		msg.Update = ""
		_ = bootmsg.WriteMisc(s.BootMsg, msg)
		return cause
	}

	p.RetryCount = count
	if err := s.writeParams(msg, p); err != nil {
		return cause
	}
	sendProgress(s.Progress, TagRetry, class.String())
	if s.Reboot != nil {
		_ = s.Reboot("updater")
	}
	return cause
}

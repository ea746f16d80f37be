// Package updater drives a whole update from an opened package through
// signature verification, manifest inspection, and per-partition
// transfer-list execution, tracking progress on a tag:payload channel
// and spending the hardware-fault reboot-retry budget.
package updater

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/affggh/otaupdate/bootmsg"
	"github.com/affggh/otaupdate/errs"
	"github.com/affggh/otaupdate/partitionrecord"
	"github.com/affggh/otaupdate/pkgmanifest"
	"github.com/affggh/otaupdate/pkgreader"
	"github.com/affggh/otaupdate/sign"
	"github.com/affggh/otaupdate/transferlist"
)

// TargetOpener opens the write target for a partition identity (e.g.
// "system"), returning the transferlist.Target it should be updated
// through. Supplied by the caller so tests can substitute an in-memory
// target without touching real block devices.
type TargetOpener func(partition string) (transferlist.Target, error)

// Driver runs one update attempt against an already-opened package.
type Driver struct {
	Package  *pkgreader.Reader
	Trust    sign.TrustStore
	Journal  *partitionrecord.Journal
	BootMsg  bootmsg.MountResolver
	Progress chan<- ProgressEvent

	// StashDir is the directory the transfer-list interpreter uses for
	// content-addressed stash storage during this run.
	StashDir string

	// ExpectedVersion, when non-empty, must equal the signed manifest's
	// software version; it binds the package to the release the caller
	// thinks it is installing.
	ExpectedVersion string

	OpenTarget TargetOpener
}

const (
	transferListSuffix = ".transfer.list"
	newDataSuffix      = ".new.dat"
	patchDataSuffix    = ".patch.dat"
)

// Run executes the five-step pipeline: load the manifest, verify its
// signature, then for each partition check the journal, extract its transfer list
// and patch blob, and interpret it against the partition's target.
func (d *Driver) Run() error {
	manifest, err := d.Package.LoadPackage()
	if err != nil {
		return d.fail(err)
	}

	if err := d.verifySignature(manifest); err != nil {
		return d.fail(err)
	}

	partitions := partitionIdentities(manifest)
	total := len(partitions)
	for i, partition := range partitions {
		done, err := d.Journal.IsDone(partition)
		if err != nil {
			return d.fail(err)
		}
		if done {
			sendProgress(d.Progress, TagPartition, partition+":already-done")
			continue
		}

		sendProgress(d.Progress, TagPartition, partition+":start")
		if err := d.applyPartition(manifest, partition); err != nil {
			return d.fail(err)
		}
		if err := d.Journal.MarkDone(partition, true); err != nil {
			return d.fail(err)
		}
		sendProgress(d.Progress, TagPercent, percentString(i+1, total))
	}

	sendProgress(d.Progress, TagDone, "ok")
	return nil
}

func percentString(done, total int) string {
	if total == 0 {
		return "100"
	}
	pct := done * 100 / total
	return strconv.Itoa(pct)
}

func partitionIdentities(m *pkgmanifest.Manifest) []string {
	var out []string
	for _, e := range m.Entries {
		if e.Type == pkgmanifest.ComponentTransferList && strings.HasSuffix(e.Identity, transferListSuffix) {
			out = append(out, strings.TrimSuffix(e.Identity, transferListSuffix))
		}
	}
	return out
}

func (d *Driver) verifySignature(m *pkgmanifest.Manifest) error {
	trailerRaw, err := d.Package.SignatureTrailer()
	if err != nil {
		return err
	}
	trailer, err := sign.ParseTrailer(trailerRaw)
	if err != nil {
		return err
	}
	// The manifest itself is the signed payload; every component's own
	// digest is already bound into the manifest, so verifying the
	// manifest transitively covers the whole package.
	if err := sign.Verify(pkgmanifest.Marshal(m), trailer, d.Trust); err != nil {
		return err
	}
	// The version comparison runs after the signature check so it
	// compares a signer-bound value, not attacker-controlled bytes.
	if d.ExpectedVersion != "" && m.SoftwareVersion != d.ExpectedVersion {
		return errs.New(errs.VerifyFailed, "package version "+m.SoftwareVersion+" does not match expected "+d.ExpectedVersion)
	}
	return nil
}

func (d *Driver) applyPartition(m *pkgmanifest.Manifest, partition string) error {
	listEntry, err := m.ByIdentity(partition + transferListSuffix)
	if err != nil {
		return err
	}
	var listBuf bytes.Buffer
	if err := d.Package.ExtractTo(listEntry.Identity, &listBuf, nil); err != nil {
		return err
	}

	var patch []byte
	if patchEntry, err := m.ByIdentity(partition + patchDataSuffix); err == nil {
		var patchBuf bytes.Buffer
		if err := d.Package.ExtractTo(patchEntry.Identity, &patchBuf, nil); err != nil {
			return err
		}
		patch = patchBuf.Bytes()
	}

	_, cmds, err := transferlist.Parse(&listBuf)
	if err != nil {
		return err
	}

	newDataReader, err := d.Package.OpenEntry(partition + newDataSuffix)
	if err != nil && !errs.Of(err, errs.BadPackage) {
		return err
	}
	if newDataReader != nil {
		defer newDataReader.Close()
	}

	target, err := d.OpenTarget(partition)
	if err != nil {
		return err
	}

	in := &transferlist.Interpreter{
		Target:  target,
		NewData: newDataReader,
		Patch:   patch,
		Stash:   transferlist.NewStashStore(d.StashDir),
	}
	in.SetCommands(cmds)
	return in.Run(context.Background())
}

// fail classifies err, bumps the boot message's retry count when the
// fault is reboot-retry eligible, and returns err unchanged so the
// caller sees the real cause.
func (d *Driver) fail(err error) error {
	class := Classify(err)
	if !class.Retryable() || d.BootMsg == nil {
		return err
	}

	msg, readErr := bootmsg.ReadMisc(d.BootMsg)
	if readErr != nil {
		return err
	}
	args := bootmsg.ParseArgs(msg.Update)
	currentCount := 0
	if v, ok := args["retry_count"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			currentCount = n
		}
	}
	count, retry := NextRetry(class, currentCount)
	if !retry {
		return err
	}

	params := ParseParams(msg)
	params.RetryCount = count
	msg.Update = formatParams(params)
	msg.Command = bootmsg.CommandBootUpdater
	sendProgress(d.Progress, TagRetry, class.String())
	_ = bootmsg.WriteMisc(d.BootMsg, msg)
	return err
}

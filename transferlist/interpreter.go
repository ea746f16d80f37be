package transferlist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/affggh/otaupdate/blockdev"
	"github.com/affggh/otaupdate/blockset"
	"github.com/affggh/otaupdate/bsdiff"
	"github.com/affggh/otaupdate/errs"
	"github.com/affggh/otaupdate/imgdiff"
	"golang.org/x/sync/errgroup"
)

// hashHex returns the hex sha-256 digest of data, the form every hash
// annotation in a transfer list is written in.
func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checkHash compares data's digest against want, skipping the check when
// want is empty (an omitted annotation carries no guarantee).
func checkHash(data []byte, want, what string) error {
	if want == "" {
		return nil
	}
	if got := hashHex(data); got != want {
		return errs.New(errs.HashMismatch, what+" hash mismatch: want "+want+" got "+got)
	}
	return nil
}

// Target is the block-addressable surface an interpreter writes
// through; package blockwriter supplies the concrete implementation,
// kept behind this interface so transferlist does not need to import
// the writer-mode dispatch machinery.
type Target interface {
	ReadRange(s *blockset.Set) ([]byte, error)
	WriteRange(s *blockset.Set, data []byte) error
	Discard(s *blockset.Set) error
}

// Interpreter executes a parsed transfer list against a Target, a
// sequential new-data stream, and a shared patch blob.
type Interpreter struct {
	Target  Target
	NewData io.Reader
	Patch   []byte
	Stash   *StashStore

	commands []Command
}

// Run executes cmds in order. Source reads for independent bsdiff and
// imgdiff commands (those whose source blocks no earlier command writes)
// are prefetched concurrently, one errgroup goroutine per command, ahead
// of the sequential apply loop, since reading is safe to parallelize
// while writing to overlapping target ranges is not. Any other bsdiff or
// imgdiff source is read when its command is applied.
func (in *Interpreter) Run(ctx context.Context) error {
	prefetched := make([][]byte, len(in.cmds()))
	cmds := in.cmds()

	g, _ := errgroup.WithContext(ctx)
prefetch:
	for i, cmd := range cmds {
		i, cmd := i, cmd
		if cmd.Op != OpBSDiff && cmd.Op != OpImgDiff {
			continue
		}
		for _, prev := range cmds[:i] {
			if prev.Target != nil && prev.Target.Overlaps(cmd.Source) {
				continue prefetch
			}
		}
		g.Go(func() error {
			data, err := in.Target.ReadRange(cmd.Source)
			if err != nil {
				return err
			}
			prefetched[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, cmd := range cmds {
		if prefetched[i] == nil && (cmd.Op == OpBSDiff || cmd.Op == OpImgDiff) {
			var err error
			if prefetched[i], err = in.Target.ReadRange(cmd.Source); err != nil {
				return err
			}
		}
		if err := in.apply(cmd, prefetched[i]); err != nil {
			// apply's errors are already tagged; re-wrapping here would
			// hide the kind the driver's retry classifier dispatches on.
			return err
		}
	}
	return nil
}

// cmds is set by the caller via SetCommands; kept separate from Run's
// signature so Run's ctx-accepting form matches the rest of the core's
// blocking operations.
func (in *Interpreter) cmds() []Command { return in.commands }

// SetCommands installs the parsed command list to execute.
func (in *Interpreter) SetCommands(cmds []Command) { in.commands = cmds }

func (in *Interpreter) apply(cmd Command, prefetchedSrc []byte) error {
	switch cmd.Op {
	case OpErase:
		return in.Target.Discard(cmd.Target)

	case OpZero:
		// zero writes zeros explicitly; only erase may use discard, whose
		// post-read contents are device-defined.
		return in.Target.WriteRange(cmd.Target, make([]byte, cmd.Target.Size()*blockdev.BlockSize))

	case OpNew:
		if in.NewData == nil {
			return errs.New(errs.ProgramInvalid, "new command in a transfer list with no new-data blob")
		}
		buf := make([]byte, cmd.Target.Size()*blockdev.BlockSize)
		if _, err := io.ReadFull(in.NewData, buf); err != nil {
			return errs.Wrap(errs.IOError, "read new data stream", err)
		}
		return in.Target.WriteRange(cmd.Target, buf)

	case OpMove:
		var data []byte
		var err error
		if cmd.StashID != "" {
			data, err = in.Stash.Get(cmd.StashID)
		} else {
			data, err = in.Target.ReadRange(cmd.Source)
		}
		if err != nil {
			return err
		}
		if err := checkHash(data, cmd.Hash, "move"); err != nil {
			return err
		}
		return in.Target.WriteRange(cmd.Target, data)

	case OpBSDiff:
		if int64(len(in.Patch)) < cmd.PatchStart+cmd.PatchLen {
			return errs.New(errs.BadPatch, "bsdiff command patch range exceeds patch blob")
		}
		if err := checkHash(prefetchedSrc, cmd.SrcHash, "bsdiff source"); err != nil {
			return err
		}
		patch := in.Patch[cmd.PatchStart : cmd.PatchStart+cmd.PatchLen]
		out, err := bsdiff.Apply(prefetchedSrc, patch)
		if err != nil {
			return err
		}
		if err := checkHash(out, cmd.DstHash, "bsdiff result"); err != nil {
			return err
		}
		return in.Target.WriteRange(cmd.Target, out)

	case OpImgDiff:
		if int64(len(in.Patch)) < cmd.PatchStart+cmd.PatchLen {
			return errs.New(errs.BadPatch, "imgdiff command patch range exceeds patch blob")
		}
		if err := checkHash(prefetchedSrc, cmd.SrcHash, "imgdiff source"); err != nil {
			return err
		}
		patch := in.Patch[cmd.PatchStart : cmd.PatchStart+cmd.PatchLen]
		out, err := imgdiff.Apply(prefetchedSrc, patch)
		if err != nil {
			return err
		}
		if err := checkHash(out, cmd.DstHash, "imgdiff result"); err != nil {
			return err
		}
		return in.Target.WriteRange(cmd.Target, out)

	case OpStash:
		data, err := in.Target.ReadRange(cmd.Source)
		if err != nil {
			return err
		}
		// The stash key doubles as the content hash; assert that before
		// persisting.
		if err := checkHash(data, cmd.Hash, "stash"); err != nil {
			return err
		}
		return in.Stash.Put(cmd.StashID, data)

	case OpFree:
		return in.Stash.Free(cmd.StashID)

	default:
		return errs.New(errs.ProgramInvalid, "unsupported transfer list command")
	}
}

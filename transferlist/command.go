// Package transferlist parses and interprets the transfer-list command
// stream: a text script of block-level operations (move, new, zero,
// erase, bsdiff, imgdiff, stash, free) applied against a
// target block device, a sequential "new data" stream, and a patch blob.
// Each command is one of a small enum of operation kinds, consuming
// ranges out of a couple of shared streams.
package transferlist

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/affggh/otaupdate/blockset"
	"github.com/affggh/otaupdate/errs"
)

// Op identifies a transfer-list command.
type Op int

const (
	OpErase Op = iota
	OpNew
	OpZero
	OpMove
	OpBSDiff
	OpImgDiff
	OpStash
	OpFree
)

func (op Op) String() string {
	switch op {
	case OpErase:
		return "erase"
	case OpNew:
		return "new"
	case OpZero:
		return "zero"
	case OpMove:
		return "move"
	case OpBSDiff:
		return "bsdiff"
	case OpImgDiff:
		return "imgdiff"
	case OpStash:
		return "stash"
	case OpFree:
		return "free"
	default:
		return "unknown"
	}
}

// Command is one parsed transfer-list line.
type Command struct {
	Op Op

	// Target ranges: the destination block ranges a command writes.
	Target *blockset.Set

	// Source ranges for diff-based commands; nil for erase/new/zero.
	Source *blockset.Set

	// PatchStart/PatchLen locate this command's patch bytes inside the
	// package's shared patch blob (bsdiff/imgdiff only).
	PatchStart, PatchLen int64

	// StashID names a stash slot (stash/free only). For move, a
	// non-empty StashID means "read source from this stash instead
	// of the live block device".
	StashID string

	// Hash is the hex sha-256 annotation carried by the command: for
	// move it is the expected post-move hash of the target blocks; for
	// stash it is the content-addressed key the read bytes must hash to.
	Hash string

	// SrcHash/DstHash are bsdiff/imgdiff's pre- and post-image hash
	// annotations.
	SrcHash, DstHash string
}

// Header is the transfer-list's first two lines: a format version and
// the total block count the new-data stream covers.
type Header struct {
	Version    int
	BlockCount int64
}

// Parse reads a full transfer-list script from r.
func Parse(r io.Reader) (Header, []Command, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	if !sc.Scan() {
		return Header{}, nil, errs.New(errs.ProgramInvalid, "empty transfer list")
	}
	version, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil {
		return Header{}, nil, errs.Wrap(errs.ProgramInvalid, "bad transfer list version", err)
	}

	if !sc.Scan() {
		return Header{}, nil, errs.New(errs.ProgramInvalid, "transfer list missing block count")
	}
	blockCount, err := strconv.ParseInt(strings.TrimSpace(sc.Text()), 10, 64)
	if err != nil {
		return Header{}, nil, errs.Wrap(errs.ProgramInvalid, "bad transfer list block count", err)
	}
	h := Header{Version: version, BlockCount: blockCount}

	var cmds []Command
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, err := parseLine(line)
		if err != nil {
			return Header{}, nil, err
		}
		cmds = append(cmds, cmd)
	}
	if err := sc.Err(); err != nil {
		return Header{}, nil, errs.Wrap(errs.ProgramInvalid, "read transfer list", err)
	}
	return h, cmds, nil
}

func parseLine(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errs.New(errs.ProgramInvalid, "empty transfer list line")
	}

	switch fields[0] {
	case "erase", "new", "zero":
		if len(fields) != 2 {
			return Command{}, errs.New(errs.ProgramInvalid, fields[0]+" expects one range field")
		}
		target, err := blockset.Parse(fields[1])
		if err != nil {
			return Command{}, err
		}
		op := map[string]Op{"erase": OpErase, "new": OpNew, "zero": OpZero}[fields[0]]
		return Command{Op: op, Target: target}, nil

	case "move":
		// move <hash> <target-BS> <count> <source-BS|stash:<id>>; hash
		// covers the post-move target blocks, matching the AOSP
		// transfer-list grammar's four move parameters.
		if len(fields) != 5 {
			return Command{}, errs.New(errs.ProgramInvalid, "move expects hash, target range, count, source fields")
		}
		target, err := blockset.Parse(fields[2])
		if err != nil {
			return Command{}, err
		}
		count, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return Command{}, errs.Wrap(errs.ProgramInvalid, "bad move count", err)
		}
		if count != target.Size() {
			return Command{}, errs.New(errs.ProgramInvalid, "move count does not match target range size")
		}
		cmd := Command{Op: OpMove, Hash: fields[1], Target: target}
		if id, ok := strings.CutPrefix(fields[4], "stash:"); ok {
			cmd.StashID = id
		} else {
			src, err := blockset.Parse(fields[4])
			if err != nil {
				return Command{}, err
			}
			if src.Size() != count {
				return Command{}, errs.New(errs.ProgramInvalid, "move count does not match source range size")
			}
			cmd.Source = src
		}
		return cmd, nil

	case "bsdiff", "imgdiff":
		// bsdiff <patchStart> <patchLen> <srcHash> <dstHash> <target-BS> <count> <source-BS>
		if len(fields) != 8 {
			return Command{}, errs.New(errs.ProgramInvalid, fields[0]+" expects patch_start patch_len src_hash dst_hash target count src")
		}
		patchStart, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Command{}, errs.Wrap(errs.ProgramInvalid, "bad patch start", err)
		}
		patchLen, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return Command{}, errs.Wrap(errs.ProgramInvalid, "bad patch len", err)
		}
		dst, err := blockset.Parse(fields[5])
		if err != nil {
			return Command{}, err
		}
		count, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			return Command{}, errs.Wrap(errs.ProgramInvalid, "bad "+fields[0]+" count", err)
		}
		if count != dst.Size() {
			return Command{}, errs.New(errs.ProgramInvalid, fields[0]+" count does not match target range size")
		}
		src, err := blockset.Parse(fields[7])
		if err != nil {
			return Command{}, err
		}
		op := OpBSDiff
		if fields[0] == "imgdiff" {
			op = OpImgDiff
		}
		return Command{
			Op: op, Target: dst, Source: src,
			PatchStart: patchStart, PatchLen: patchLen,
			SrcHash: fields[3], DstHash: fields[4],
		}, nil

	case "stash":
		if len(fields) != 3 {
			return Command{}, errs.New(errs.ProgramInvalid, "stash expects id and range")
		}
		src, err := blockset.Parse(fields[2])
		if err != nil {
			return Command{}, err
		}
		return Command{Op: OpStash, StashID: fields[1], Hash: fields[1], Source: src}, nil

	case "free":
		if len(fields) != 2 {
			return Command{}, errs.New(errs.ProgramInvalid, "free expects id")
		}
		return Command{Op: OpFree, StashID: fields[1]}, nil

	default:
		return Command{}, errs.New(errs.ProgramInvalid, "unknown transfer list command: "+fields[0])
	}
}

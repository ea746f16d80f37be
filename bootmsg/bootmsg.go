// Package bootmsg implements the fixed binary boot-message record that
// carries reboot intent between the normal system, the updater, and the
// flashing service. The wire layout is byte-exact: command[32],
// status[32], update[768], reserved[224], 1056 bytes total.
package bootmsg

import (
	"fmt"
	"os"
	"strings"

	"github.com/affggh/otaupdate/errs"
)

const (
	CommandLen  = 32
	StatusLen   = 32
	UpdateLen   = 768
	ReservedLen = 224
	// Size is sizeof(BootMessage): the number of bytes Read/Write exchange.
	Size = CommandLen + StatusLen + UpdateLen + ReservedLen
)

// Command values for the command field's state machine.
const (
	CommandNone        = ""
	CommandBootUpdater = "boot_updater"
	CommandBootFlash   = "boot_flash"
)

// MaxRetryCount bounds the updater's retry budget.
const MaxRetryCount = 3

// Message is the decoded boot message; fields are fixed-size, NUL-padded
// byte arrays on the wire but plain strings in memory.
type Message struct {
	Command string
	Status  string
	Update  string
	// Reserved carries the bytes the core does not interpret; Write
	// puts them back so unrelated on-disk state survives a rewrite.
	Reserved [ReservedLen]byte
}

func packField(s string, n int) ([]byte, error) {
	if len(s) > n {
		return nil, errs.New(errs.ProgramInvalid, fmt.Sprintf("field exceeds %d bytes", n))
	}
	buf := make([]byte, n)
	copy(buf, s)
	return buf, nil
}

func unpackField(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Encode packs m into the fixed 1056-byte wire layout.
func (m *Message) Encode() ([]byte, error) {
	cmd, err := packField(m.Command, CommandLen)
	if err != nil {
		return nil, err
	}
	status, err := packField(m.Status, StatusLen)
	if err != nil {
		return nil, err
	}
	update, err := packField(m.Update, UpdateLen)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, Size)
	out = append(out, cmd...)
	out = append(out, status...)
	out = append(out, update...)
	out = append(out, m.Reserved[:]...)
	return out, nil
}

// Decode unpacks a Size-byte wire record into a Message.
func Decode(buf []byte) (*Message, error) {
	if len(buf) != Size {
		return nil, errs.New(errs.ProgramInvalid, "boot message has wrong size")
	}
	m := &Message{}
	off := 0
	m.Command = unpackField(buf[off : off+CommandLen])
	off += CommandLen
	m.Status = unpackField(buf[off : off+StatusLen])
	off += StatusLen
	m.Update = unpackField(buf[off : off+UpdateLen])
	off += UpdateLen
	copy(m.Reserved[:], buf[off:off+ReservedLen])
	return m, nil
}

// Read reads sizeof(Message) bytes from path at offset 0; a short read is
// an error, never silently zero-filled.
func Read(path string) (*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.MiscUnavailable, "open boot message file", err)
	}
	defer f.Close()

	buf := make([]byte, Size)
	n, err := f.ReadAt(buf, 0)
	if err != nil || n != Size {
		return nil, errs.Wrap(errs.IOError, "short read of boot message", err)
	}
	return Decode(buf)
}

// Write opens path for read-write and writes msg at offset 0. It does not
// truncate the file and fsyncs before returning so the write is durable.
func Write(path string, msg *Message) error {
	buf, err := msg.Encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errs.Wrap(errs.MiscUnavailable, "open boot message file for write", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(buf, 0); err != nil {
		return errs.Wrap(errs.IOError, "write boot message", err)
	}
	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.IOError, "fsync boot message", err)
	}
	return nil
}

// MountResolver maps a mount point to the backing block device path, the
// interface the mount manager (an external collaborator) provides.
type MountResolver interface {
	DeviceForMountPoint(mountPoint string) (string, error)
}

// FallbackMiscPath is the compiled-in misc device path used when the
// mount manager cannot resolve "/misc". The mount manager always wins;
// the constant applies only when it returns empty or errors.
const FallbackMiscPath = "/dev/block/by-name/misc"

// pathOfMisc resolves the misc device path, preferring the mount manager
// and falling back to the compiled-in constant only when it returns empty
// or errors.
func pathOfMisc(mr MountResolver) string {
	if mr != nil {
		if path, err := mr.DeviceForMountPoint("/misc"); err == nil && path != "" {
			return path
		}
	}
	return FallbackMiscPath
}

// WriteMisc writes msg to the misc partition, resolved via mr.
func WriteMisc(mr MountResolver, msg *Message) error {
	return Write(pathOfMisc(mr), msg)
}

// ReadMisc reads the boot message from the misc partition, resolved via mr.
func ReadMisc(mr MountResolver) (*Message, error) {
	return Read(pathOfMisc(mr))
}

// ParseArgs splits the newline-separated update argument tokens into a
// key/value map; a bare "--flag" token maps to "" with the key present so
// callers can tell a set boolean flag from an absent one via comma ok.
func ParseArgs(update string) map[string]string {
	args := map[string]string{}
	for _, line := range strings.Split(update, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "--") {
			continue
		}
		line = strings.TrimPrefix(line, "--")
		if i := strings.IndexByte(line, '='); i >= 0 {
			args[line[:i]] = line[i+1:]
		} else {
			args[line] = ""
		}
	}
	return args
}

// FormatArgs renders a key/value map back into the newline-separated
// "--key" / "--key=value" grammar, in the given key order.
func FormatArgs(keys []string, args map[string]string) string {
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := args[k]
		if !ok {
			continue
		}
		if v == "" {
			lines = append(lines, "--"+k)
		} else {
			lines = append(lines, fmt.Sprintf("--%s=%s", k, v))
		}
	}
	return strings.Join(lines, "\n")
}

// FactoryResetArgs builds the update argument for a factory reset request,
// distinguishing user-initiated wipes from the device's own factory
// default restore.
func FactoryResetArgs(userInitiated bool) string {
	if userInitiated {
		return "--user_wipe_data"
	}
	return "--factory_wipe_data"
}

// Package blockdev models the block devices backing partitions and the
// fixed 4096-byte block size used throughout the core.
package blockdev

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BlockSize is the system-wide I/O unit, fixed at 4096 bytes.
const BlockSize = 4096

// Device describes one backing block device, discovered once at startup
// and held for the duration of an update.
type Device struct {
	Path               string
	LogicalSectorSize  int
	PhysicalSectorSize int
	TotalSize          int64
	ReadOnly           bool
}

// Open opens the device's backing file read-write unless ReadOnly is set.
func (d *Device) Open() (*os.File, error) {
	flag := os.O_RDWR
	if d.ReadOnly {
		flag = os.O_RDONLY
	}
	return os.OpenFile(d.Path, flag, 0)
}

// ReadBlock reads exactly BlockSize bytes at the given block index.
func ReadBlock(f *os.File, block int64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("blockdev: buffer must be exactly %d bytes", BlockSize)
	}
	_, err := f.ReadAt(buf, block*BlockSize)
	return err
}

// Discover scans the system block directory and reads each entry's size
// and read-only flag; it does not read or group by major/minor numbers,
// and it reports 512-byte logical and physical sector sizes for every
// entry. It
// tolerates environments (containers, tests) where /sys/class/block is
// absent by returning an empty list rather than an error.
func Discover(sysBlockDir string) ([]Device, error) {
	if sysBlockDir == "" {
		sysBlockDir = "/sys/class/block"
	}
	entries, err := os.ReadDir(sysBlockDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var devices []Device
	for _, e := range entries {
		name := e.Name()
		sizePath := filepath.Join(sysBlockDir, name, "size")
		sectors, err := readUintFile(sizePath)
		if err != nil {
			continue
		}
		roPath := filepath.Join(sysBlockDir, name, "ro")
		ro, _ := readUintFile(roPath)
		devices = append(devices, Device{
			Path:               filepath.Join("/dev", name),
			LogicalSectorSize:  512,
			PhysicalSectorSize: 512,
			TotalSize:          int64(sectors) * 512,
			ReadOnly:           ro != 0,
		})
	}
	return devices, nil
}

func readUintFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("blockdev: empty file %s", path)
	}
	return strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 64)
}

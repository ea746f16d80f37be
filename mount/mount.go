// Package mount resolves logical mount points ("misc", "system", ...) to
// their underlying block device paths. It is the external collaborator
// the rest of the update core depends on through an interface rather
// than a concrete implementation, since the real lookup (fstab or a
// device-specific mount manager) is platform code outside this module's
// scope.
package mount

import (
	"bufio"
	"os"
	"strings"

	"github.com/affggh/otaupdate/errs"
)

// Resolver maps a mount point to the block device backing it.
type Resolver interface {
	DeviceForMountPoint(mountPoint string) (string, error)
}

// FstabResolver resolves mount points by reading a static fstab-style
// table: whitespace-separated "device mountpoint fstype options" lines,
// one per row, comments starting with '#' ignored.
type FstabResolver struct {
	path    string
	entries map[string]string
}

// NewFstabResolver loads and parses the fstab at path.
func NewFstabResolver(path string) (*FstabResolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.MiscUnavailable, "open fstab", err)
	}
	defer f.Close()

	entries := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries[fields[1]] = fields[0]
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrap(errs.MiscUnavailable, "read fstab", err)
	}
	return &FstabResolver{path: path, entries: entries}, nil
}

// DeviceForMountPoint implements Resolver.
func (r *FstabResolver) DeviceForMountPoint(mountPoint string) (string, error) {
	dev, ok := r.entries[mountPoint]
	if !ok {
		return "", errs.New(errs.MiscUnavailable, "mount point not found in fstab: "+mountPoint)
	}
	return dev, nil
}

// Static is a Resolver backed by a fixed in-memory table, useful for
// tests and for callers that already know their device layout.
type Static map[string]string

func (s Static) DeviceForMountPoint(mountPoint string) (string, error) {
	dev, ok := s[mountPoint]
	if !ok {
		return "", errs.New(errs.MiscUnavailable, "mount point not found: "+mountPoint)
	}
	return dev, nil
}

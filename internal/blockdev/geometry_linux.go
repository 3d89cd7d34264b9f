//go:build linux

package blockdev

import (
	"os"

	"golang.org/x/sys/unix"
)

// probeGeometry asks the kernel directly for capacity and logical
// sector size. Overridable in tests; lsblk output is the fallback when
// the ioctls are unavailable (unprivileged runs).
var probeGeometry = func(path string) (sizeBytes, sectorSize uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	fd := int(f.Fd())
	sz, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
	if err != nil {
		return 0, 0, err
	}
	ss, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		return 0, 0, err
	}
	return uint64(sz), uint64(ss), nil
}

//go:build !linux

package blockdev

import "errors"

var probeGeometry = func(path string) (sizeBytes, sectorSize uint64, err error) {
	return 0, 0, errors.New("block geometry ioctls unsupported on this platform")
}

package blockdev

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var pInfixRe = regexp.MustCompile(`^((?:nvme\d+n\d+|mmcblk\d+|loop\d+))p\d+$`)
var suffixRe = regexp.MustCompile(`^([a-z]+[a-z])(\d+)$`)

// PartitionPath returns the kernel device node for partition index on
// disk: /dev/sda -> /dev/sda1, /dev/nvme0n1 -> /dev/nvme0n1p1.
func PartitionPath(disk string, index int) string {
	base := path.Base(disk)
	if strings.HasPrefix(base, "nvme") || strings.HasPrefix(base, "mmcblk") || strings.HasPrefix(base, "loop") {
		return fmt.Sprintf("%sp%d", disk, index)
	}
	return fmt.Sprintf("%s%d", disk, index)
}

// BaseDisk strips a trailing partition suffix from a device path, so
// /dev/sda2 and /dev/nvme0n1p2 both map to their whole disk.
func BaseDisk(dev string) string {
	name := strings.TrimPrefix(dev, "/dev/")
	if m := pInfixRe.FindStringSubmatch(name); m != nil {
		return "/dev/" + m[1]
	}
	if strings.HasPrefix(name, "sd") || strings.HasPrefix(name, "hd") || strings.HasPrefix(name, "vd") || strings.HasPrefix(name, "xvd") {
		if m := suffixRe.FindStringSubmatch(name); m != nil {
			return "/dev/" + m[1]
		}
	}
	return "/dev/" + name
}

// LooksLikePartition reports whether a /dev name appears to be a
// partition rather than a whole disk.
func LooksLikePartition(dev string) bool {
	return BaseDisk(dev) != "/dev/"+strings.TrimPrefix(dev, "/dev/")
}

// Package deps answers one question before anything destructive runs:
// is every external tool the requested feature set needs actually
// installed?
package deps

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
)

// MissingDependencyError lists required tools absent from PATH.
type MissingDependencyError struct {
	Missing []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependencies: %s", strings.Join(e.Missing, ", "))
}

// Checker verifies tool presence. LookPath is overridable in tests.
type Checker struct {
	LookPath func(string) (string, error)
}

func NewChecker() *Checker {
	return &Checker{LookPath: exec.LookPath}
}

// Required derives the tool set from the requested features.
func Required(req plan.FeatureRequest) []string {
	set := map[string]bool{
		"lsblk":     true,
		"wipefs":    true,
		"sgdisk":    true,
		"parted":    true,
		"partprobe": true,
		"blkid":     true,
		"mount":     true,
		"umount":    true,
		"dd":        true,
	}
	if req.Utility {
		set["mkfs.vfat"] = true
	}
	if req.Persistence {
		set["cryptsetup"] = true
		set["mkfs.ext4"] = true
	}
	if req.Documents {
		set["veracrypt"] = true
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Check fails fast with MissingDependencyError when any required tool
// for the feature set is absent.
func (c *Checker) Check(req plan.FeatureRequest) error {
	var missing []string
	for _, tool := range Required(req) {
		if _, err := c.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return &MissingDependencyError{Missing: missing}
	}
	return nil
}

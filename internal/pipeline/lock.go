package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	lockMu sync.Mutex
	heldBy = map[string]string{} // device path -> run id, this process only
)

func lockPath(stateDir, device string) string {
	return filepath.Join(stateDir, "locks", "device."+sanitizeDevice(device)+".lock")
}

func sanitizeDevice(device string) string {
	device = strings.TrimPrefix(device, "/dev/")
	out := make([]rune, 0, len(device))
	for _, r := range device {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}

// tryAcquireLock claims device for runID. The lock file is the lock:
// exclusive creation fails while any process holds the device, so
// concurrent invocations of the tool exclude each other too. A file
// left behind by a holder that no longer runs is broken and the
// acquisition retried once.
func tryAcquireLock(stateDir, device, runID string) bool {
	if os.Getenv("COVERT_TEST_SKIP_LOCK") == "1" {
		return true
	}
	lockMu.Lock()
	defer lockMu.Unlock()
	if _, ok := heldBy[device]; ok {
		return false
	}
	path := lockPath(stateDir, device)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false
	}
	if !writeLockFile(path, runID) {
		if !lockIsStale(path) {
			return false
		}
		_ = os.Remove(path)
		if !writeLockFile(path, runID) {
			return false
		}
	}
	heldBy[device] = runID
	return true
}

func writeLockFile(path, runID string) bool {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	fmt.Fprintf(f, "%s %d", runID, os.Getpid())
	_ = f.Close()
	return true
}

// lockIsStale reports whether the holder recorded in the lock file is
// gone. A file that cannot be parsed counts as stale; one that cannot
// be read does not.
func lockIsStale(path string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	fields := strings.Fields(string(b))
	if len(fields) != 2 {
		return true
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil || pid <= 0 {
		return true
	}
	if pid == os.Getpid() {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && !alive
}

func releaseLock(stateDir, device string) {
	if os.Getenv("COVERT_TEST_SKIP_LOCK") == "1" {
		return
	}
	lockMu.Lock()
	defer lockMu.Unlock()
	delete(heldBy, device)
	_ = os.Remove(lockPath(stateDir, device))
}

package blockdev

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gdisk "github.com/shirou/gopsutil/v3/disk"

	"github.com/n0m4d1k/covert-sd-card-tool/pkg/shell"
)

const lsblkColumns = "NAME,KNAME,PATH,SIZE,ROTA,TYPE,TRAN,VENDOR,MODEL,SERIAL,MOUNTPOINT,FSTYPE,RM,LOG-SEC"

// mountTable is the gopsutil mount-table query, overridable in tests.
var mountTable = func(ctx context.Context) ([]gdisk.PartitionStat, error) {
	return gdisk.PartitionsWithContext(ctx, true)
}

// readSwaps reads /proc/swaps, overridable in tests.
var readSwaps = func() (string, error) {
	b, err := os.ReadFile("/proc/swaps")
	return string(b), err
}

// Inspector discovers and validates target block devices. All methods
// are read-only except Prepare.
type Inspector struct {
	run shell.Runner
	log zerolog.Logger
}

func NewInspector(run shell.Runner, log zerolog.Logger) *Inspector {
	return &Inspector{run: run, log: log.With().Str("component", "inspector").Logger()}
}

// Inspect reads the device fresh: lsblk inventory plus kernel geometry
// ioctls plus the current mount table and swap state.
func (i *Inspector) Inspect(ctx context.Context, path string) (Device, error) {
	res, err := i.run.Run(ctx, 5*time.Second, "lsblk", "--bytes", "--json", "-o", lsblkColumns, path)
	if err != nil {
		return Device{}, &DeviceError{Kind: NotBlockDevice, Path: path, Detail: strings.TrimSpace(string(res.Stderr)), Err: err}
	}
	var tree rawTree
	if err := json.Unmarshal(res.Stdout, &tree); err != nil {
		return Device{}, fmt.Errorf("lsblk json: %w", err)
	}
	if len(tree.Blockdevices) == 0 {
		return Device{}, &DeviceError{Kind: NotBlockDevice, Path: path, Detail: "lsblk returned no devices"}
	}
	dev := normalize(tree.Blockdevices[0], path)

	if size, sector, err := probeGeometry(path); err == nil {
		dev.SizeBytes = size
		dev.SectorSize = sector
	} else if dev.SectorSize == 0 {
		dev.SectorSize = 512
	}

	if swaps, err := readSwaps(); err == nil {
		for _, line := range strings.Split(swaps, "\n") {
			fields := strings.Fields(line)
			if len(fields) > 0 && strings.HasPrefix(fields[0], dev.Path) {
				dev.SwapParts = append(dev.SwapParts, fields[0])
			}
		}
	}
	return dev, nil
}

// Validate enforces every pre-condition of a destructive run: real
// disk, nothing mounted, not the disk the running system lives on, and
// at least minBytes of capacity.
func (i *Inspector) Validate(ctx context.Context, path string, minBytes uint64) (Device, error) {
	if LooksLikePartition(path) {
		return Device{}, &DeviceError{Kind: NotBlockDevice, Path: path, Detail: "looks like a partition; use the whole disk"}
	}
	dev, err := i.Inspect(ctx, path)
	if err != nil {
		return Device{}, err
	}
	if dev.Type != "disk" {
		return Device{}, &DeviceError{Kind: NotBlockDevice, Path: path, Detail: fmt.Sprintf("lsblk type %q", dev.Type)}
	}
	sys, err := i.systemDisk(ctx)
	if err == nil && sys != "" && sys == dev.Path {
		return Device{}, &DeviceError{Kind: IsSystemDisk, Path: path, Detail: "refusing to touch the disk backing /"}
	}
	if len(dev.Mounted) > 0 {
		parts := make([]string, 0, len(dev.Mounted))
		for _, m := range dev.Mounted {
			parts = append(parts, m.Path+" -> "+m.Mountpoint)
		}
		return Device{}, &DeviceError{Kind: Mounted, Path: path, Detail: strings.Join(parts, ", ")}
	}
	if dev.SizeBytes < minBytes {
		return Device{}, &DeviceError{Kind: TooSmall, Path: path,
			Detail: fmt.Sprintf("capacity %d bytes, need at least %d", dev.SizeBytes, minBytes)}
	}
	return dev, nil
}

// Prepare unmounts every mounted partition of the device and disables
// swap on it, so a Mounted rejection can be retried once. Explicitly
// opt-in; Validate never unmounts on its own.
func (i *Inspector) Prepare(ctx context.Context, dev Device) error {
	for _, m := range dev.Mounted {
		i.log.Info().Str("partition", m.Path).Str("mountpoint", m.Mountpoint).Msg("unmounting")
		if res, err := i.run.Run(ctx, 30*time.Second, "umount", m.Path); err != nil {
			return fmt.Errorf("umount %s: %s: %w", m.Path, strings.TrimSpace(string(res.Stderr)), err)
		}
	}
	for _, sp := range dev.SwapParts {
		i.log.Info().Str("partition", sp).Msg("disabling swap")
		if res, err := i.run.Run(ctx, 30*time.Second, "swapoff", sp); err != nil {
			return fmt.Errorf("swapoff %s: %s: %w", sp, strings.TrimSpace(string(res.Stderr)), err)
		}
	}
	return nil
}

// ListCandidates returns removable whole disks suitable as targets.
func (i *Inspector) ListCandidates(ctx context.Context) ([]Device, error) {
	res, err := i.run.Run(ctx, 5*time.Second, "lsblk", "--bytes", "--json", "-o", lsblkColumns)
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w", err)
	}
	var tree rawTree
	if err := json.Unmarshal(res.Stdout, &tree); err != nil {
		return nil, fmt.Errorf("lsblk json: %w", err)
	}
	sys, _ := i.systemDisk(ctx)
	out := []Device{}
	for _, rd := range tree.Blockdevices {
		d := normalize(rd, "")
		if d.Type != "disk" || d.Path == sys {
			continue
		}
		if strings.HasPrefix(d.Name, "loop") || strings.HasPrefix(d.Name, "ram") || strings.HasPrefix(d.Name, "zram") {
			continue
		}
		if d.Removable == nil || !*d.Removable {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// systemDisk resolves the whole disk backing the root filesystem.
func (i *Inspector) systemDisk(ctx context.Context) (string, error) {
	parts, err := mountTable(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range parts {
		if p.Mountpoint != "/" {
			continue
		}
		if strings.HasPrefix(p.Device, "/dev/") {
			return BaseDisk(p.Device), nil
		}
	}
	return "", nil
}

func normalize(rd rawDevice, fallbackPath string) Device {
	d := Device{
		Name:       rd.Name,
		Path:       firstNonEmpty(rd.Path, fallbackPath, "/dev/"+rd.Name),
		SizeBytes:  normalizeSize(rd.Size),
		SectorSize: normalizeSize(rd.LogSec),
		Model:      strings.TrimSpace(rd.Model),
		Serial:     strings.TrimSpace(rd.Serial),
		Tran:       rd.Tran,
		Removable:  rd.RM,
		Rota:       rd.Rota,
		Type:       rd.Type,
		FSType:     rd.FSType,
	}
	var walk func(n rawDevice)
	walk = func(n rawDevice) {
		d.Children = append(d.Children, ChildPart{
			Path:      firstNonEmpty(n.Path, "/dev/"+n.Name),
			SizeBytes: normalizeSize(n.Size),
			FSType:    n.FSType,
		})
		if n.Mountpoint != nil && *n.Mountpoint != "" && *n.Mountpoint != "[SWAP]" {
			d.Mounted = append(d.Mounted, MountedPart{
				Path:       firstNonEmpty(n.Path, "/dev/"+n.Name),
				Mountpoint: *n.Mountpoint,
			})
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, c := range rd.Children {
		walk(c)
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func normalizeSize(v any) uint64 {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case string:
		var n uint64
		_, _ = fmt.Sscanf(strings.TrimSpace(t), "%d", &n)
		return n
	case json.Number:
		n, _ := t.Int64()
		if n < 0 {
			return 0
		}
		return uint64(n)
	default:
		return 0
	}
}

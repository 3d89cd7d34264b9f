package blockdev

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	gdisk "github.com/shirou/gopsutil/v3/disk"

	"github.com/n0m4d1k/covert-sd-card-tool/pkg/shell"
)

const lsblkSingleDisk = `{
  "blockdevices": [
    {
      "name": "sdz", "path": "/dev/sdz", "size": 8589934592, "rota": false,
      "type": "disk", "tran": "usb", "model": "Cruzer Blade", "serial": "4C5310",
      "rm": true, "log-sec": 512,
      "children": [
        {"name": "sdz1", "path": "/dev/sdz1", "size": 268435456, "type": "part",
         "fstype": "vfat", "mountpoint": "/media/util", "log-sec": 512},
        {"name": "sdz2", "path": "/dev/sdz2", "size": 4294967296, "type": "part",
         "fstype": null, "mountpoint": null, "log-sec": 512}
      ]
    }
  ]
}`

func stubSeams(t *testing.T, rootDev string, swaps string) {
	t.Helper()
	origGeom, origMounts, origSwaps := probeGeometry, mountTable, readSwaps
	t.Cleanup(func() { probeGeometry, mountTable, readSwaps = origGeom, origMounts, origSwaps })
	probeGeometry = func(path string) (uint64, uint64, error) {
		return 0, 0, errors.New("no ioctl in tests")
	}
	mountTable = func(ctx context.Context) ([]gdisk.PartitionStat, error) {
		return []gdisk.PartitionStat{{Device: rootDev, Mountpoint: "/"}}, nil
	}
	readSwaps = func() (string, error) { return swaps, nil }
}

func lsblkFake(payload string) *shell.Fake {
	return &shell.Fake{Handler: func(name string, args ...string) (shell.Result, error) {
		if name == "lsblk" {
			return shell.Result{Stdout: []byte(payload)}, nil
		}
		return shell.Result{}, nil
	}}
}

func TestInspectParsesLsblk(t *testing.T) {
	stubSeams(t, "/dev/sda2", "Filename Type Size Used Priority\n/dev/sdz2 partition 1024 0 -2\n")
	insp := NewInspector(lsblkFake(lsblkSingleDisk), zerolog.Nop())

	dev, err := insp.Inspect(context.Background(), "/dev/sdz")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if dev.Path != "/dev/sdz" || dev.Type != "disk" || dev.Tran != "usb" {
		t.Errorf("device = %+v", dev)
	}
	if dev.SizeBytes != 8589934592 || dev.SectorSize != 512 {
		t.Errorf("geometry = %d/%d", dev.SizeBytes, dev.SectorSize)
	}
	if dev.Model != "Cruzer Blade" {
		t.Errorf("model = %q", dev.Model)
	}
	if len(dev.Children) != 2 {
		t.Fatalf("children = %+v", dev.Children)
	}
	if dev.Children[0].Path != "/dev/sdz1" || dev.Children[0].FSType != "vfat" {
		t.Errorf("child 0 = %+v", dev.Children[0])
	}
	if len(dev.Mounted) != 1 || dev.Mounted[0].Mountpoint != "/media/util" {
		t.Errorf("mounted = %+v", dev.Mounted)
	}
	if len(dev.SwapParts) != 1 || dev.SwapParts[0] != "/dev/sdz2" {
		t.Errorf("swap parts = %+v", dev.SwapParts)
	}
}

func TestValidateRejectsPartitionPath(t *testing.T) {
	insp := NewInspector(&shell.Fake{}, zerolog.Nop())
	_, err := insp.Validate(context.Background(), "/dev/sdz1", 0)
	var de *DeviceError
	if !errors.As(err, &de) || de.Kind != NotBlockDevice {
		t.Fatalf("expected NotBlockDevice, got %v", err)
	}
}

func TestValidateRejectsMissingDevice(t *testing.T) {
	stubSeams(t, "/dev/sda2", "")
	fake := &shell.Fake{Handler: func(name string, args ...string) (shell.Result, error) {
		return shell.Exit(32, "lsblk: /dev/sdz: not a block device")
	}}
	insp := NewInspector(fake, zerolog.Nop())
	_, err := insp.Validate(context.Background(), "/dev/sdz", 0)
	var de *DeviceError
	if !errors.As(err, &de) || de.Kind != NotBlockDevice {
		t.Fatalf("expected NotBlockDevice, got %v", err)
	}
	if !strings.Contains(de.Detail, "not a block device") {
		t.Errorf("tool stderr not preserved: %q", de.Detail)
	}
}

func TestValidateRejectsSystemDisk(t *testing.T) {
	stubSeams(t, "/dev/sdz", "")
	payload := strings.ReplaceAll(lsblkSingleDisk, `"mountpoint": "/media/util"`, `"mountpoint": null`)
	insp := NewInspector(lsblkFake(payload), zerolog.Nop())
	_, err := insp.Validate(context.Background(), "/dev/sdz", 0)
	var de *DeviceError
	if !errors.As(err, &de) || de.Kind != IsSystemDisk {
		t.Fatalf("expected IsSystemDisk, got %v", err)
	}
}

func TestValidateRejectsMounted(t *testing.T) {
	stubSeams(t, "/dev/sda2", "")
	insp := NewInspector(lsblkFake(lsblkSingleDisk), zerolog.Nop())
	_, err := insp.Validate(context.Background(), "/dev/sdz", 0)
	var de *DeviceError
	if !errors.As(err, &de) || de.Kind != Mounted {
		t.Fatalf("expected Mounted, got %v", err)
	}
	if !strings.Contains(de.Detail, "/dev/sdz1 -> /media/util") {
		t.Errorf("detail should name the mount: %q", de.Detail)
	}
}

func TestValidateRejectsTooSmall(t *testing.T) {
	stubSeams(t, "/dev/sda2", "")
	payload := strings.ReplaceAll(lsblkSingleDisk, `"mountpoint": "/media/util"`, `"mountpoint": null`)
	insp := NewInspector(lsblkFake(payload), zerolog.Nop())
	_, err := insp.Validate(context.Background(), "/dev/sdz", 16<<30)
	var de *DeviceError
	if !errors.As(err, &de) || de.Kind != TooSmall {
		t.Fatalf("expected TooSmall, got %v", err)
	}
}

func TestPrepareUnmountsAndSwapsOff(t *testing.T) {
	fake := &shell.Fake{}
	insp := NewInspector(fake, zerolog.Nop())
	dev := Device{
		Path:      "/dev/sdz",
		Mounted:   []MountedPart{{Path: "/dev/sdz1", Mountpoint: "/media/util"}},
		SwapParts: []string{"/dev/sdz2"},
	}
	if err := insp.Prepare(context.Background(), dev); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	want := []string{"umount /dev/sdz1", "swapoff /dev/sdz2"}
	got := fake.CommandLines()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestListCandidatesFiltersSystemAndFixedDisks(t *testing.T) {
	stubSeams(t, "/dev/sda", "")
	payload := `{
  "blockdevices": [
    {"name": "sda", "path": "/dev/sda", "size": 512110190592, "type": "disk", "rm": false, "log-sec": 512},
    {"name": "sdz", "path": "/dev/sdz", "size": 8589934592, "type": "disk", "tran": "usb", "rm": true, "log-sec": 512},
    {"name": "loop0", "path": "/dev/loop0", "size": 4096, "type": "disk", "rm": true, "log-sec": 512},
    {"name": "sdy", "path": "/dev/sdy", "size": 2199023255552, "type": "disk", "rm": false, "log-sec": 512}
  ]
}`
	insp := NewInspector(lsblkFake(payload), zerolog.Nop())
	out, err := insp.ListCandidates(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 || out[0].Path != "/dev/sdz" {
		t.Errorf("candidates = %+v", out)
	}
}

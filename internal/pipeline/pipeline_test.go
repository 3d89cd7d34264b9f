package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/blockdev"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/config"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/partition"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
	"github.com/n0m4d1k/covert-sd-card-tool/pkg/shell"
)

var allTools = []string{
	"lsblk", "wipefs", "sgdisk", "parted", "partprobe", "blkid",
	"mount", "umount", "dd", "mkfs.vfat", "mkfs.ext4", "cryptsetup", "veracrypt",
}

// fakeTools puts stub executables on PATH so LookPath-based checks pass
// without the real tools installed.
func fakeTools(t *testing.T, names ...string) {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", dir)
}

type testEnv struct {
	dir    string
	device string
	iso    string
	cfg    config.Config
}

func newTestEnv(t *testing.T, deviceBytes uint64, isoBytes int) testEnv {
	t.Helper()
	fakeTools(t, allTools...)
	dir := t.TempDir()
	env := testEnv{
		dir:    dir,
		device: filepath.Join(dir, "sdz"),
		iso:    filepath.Join(dir, "os.iso"),
		cfg: config.Config{
			LogLevel:      zerolog.Disabled,
			StateDir:      filepath.Join(dir, "state"),
			LogDir:        dir,
			MountBase:     filepath.Join(dir, "mnt"),
			OSMarginBytes: 1 << 20,
		},
	}
	if isoBytes > 0 {
		if err := os.WriteFile(env.iso, make([]byte, isoBytes), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Partition nodes "appear" ahead of time; partprobe is faked.
	for i := 1; i <= 4; i++ {
		if err := os.WriteFile(blockdev.PartitionPath(env.device, i), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return env
}

func lsblkJSON(devPath string, size uint64, parts []partition.AppliedPart) string {
	var b strings.Builder
	fmt.Fprintf(&b, `{"blockdevices":[{"name":%q,"path":%q,"size":%d,"type":"disk","tran":"usb","rm":true,"log-sec":512`,
		path.Base(devPath), devPath, size)
	if len(parts) > 0 {
		b.WriteString(`,"children":[`)
		for i, p := range parts {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"name":%q,"path":%q,"size":%d,"type":"part","log-sec":512}`,
				path.Base(p.Path), p.Path, p.Spec.SizeSectors*512)
		}
		b.WriteString("]")
	}
	b.WriteString("}]}")
	return b.String()
}

// expectedLayout mirrors what the executor will create, for the
// post-provisioning lsblk response.
func expectedLayout(t *testing.T, env testEnv, req plan.FeatureRequest) []partition.AppliedPart {
	t.Helper()
	dev := blockdev.Device{Path: env.device, SizeBytes: 8 << 30, SectorSize: 512, Type: "disk"}
	pl, err := plan.Planner{OSMarginBytes: env.cfg.OSMarginBytes}.Plan(dev, req)
	if err != nil {
		t.Fatalf("reference plan: %v", err)
	}
	out := make([]partition.AppliedPart, len(pl.Specs))
	for i, s := range pl.Specs {
		out[i] = partition.AppliedPart{Spec: s, Path: blockdev.PartitionPath(env.device, s.Index)}
	}
	return out
}

func lsblkSequence(env testEnv, size uint64, parts []partition.AppliedPart, fail map[string]string) *shell.Fake {
	var lsblkCalls int32
	return &shell.Fake{Handler: func(name string, args ...string) (shell.Result, error) {
		if stderr, ok := fail[name+" "+strings.Join(args, " ")]; ok {
			return shell.Exit(1, stderr)
		}
		for prefix, stderr := range fail {
			if strings.HasPrefix(name+" "+strings.Join(args, " "), prefix) {
				return shell.Exit(1, stderr)
			}
		}
		if name == "lsblk" {
			if atomic.AddInt32(&lsblkCalls, 1) == 1 {
				return shell.Result{Stdout: []byte(lsblkJSON(env.device, size, nil))}, nil
			}
			return shell.Result{Stdout: []byte(lsblkJSON(env.device, size, parts))}, nil
		}
		if name == "blkid" {
			return shell.Result{Stdout: []byte("crypto_LUKS\n")}, nil
		}
		return shell.Result{}, nil
	}}
}

func fullFeatures() plan.FeatureRequest {
	return plan.FeatureRequest{
		InstallOS:   true,
		Flavor:      plan.FlavorKali,
		Persistence: true,
		Documents:   true,
		Utility:     true,
	}
}

func passphrases() map[plan.Role][]byte {
	return map[plan.Role][]byte{
		plan.RolePersistence: []byte("correct horse battery"),
		plan.RoleDocuments:   []byte("staple horse battery"),
	}
}

func TestRunFullProvisioning(t *testing.T) {
	env := newTestEnv(t, 8<<30, 1<<20)
	req := fullFeatures()
	ref := req
	ref.ISOSizeBytes = 1 << 20
	parts := expectedLayout(t, env, ref)
	fake := lsblkSequence(env, 8<<30, parts, nil)

	p := New(env.cfg, fake, zerolog.Nop())
	rep, err := p.Run(context.Background(), Request{
		DevicePath:  env.device,
		Features:    req,
		ISOPath:     env.iso,
		Passphrases: passphrases(),
		Progress:    false,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Result != "done" || rep.Error != "" {
		t.Errorf("report = %+v", rep)
	}
	if !rep.Destructive {
		t.Error("destructive flag not set after partitioning")
	}

	wantStages := []Stage{StageValidating, StagePlanning, StagePartitioning, StageEncrypting, StagePopulating, StageVerifying}
	if len(rep.Stages) != len(wantStages) {
		t.Fatalf("stages = %+v", rep.Stages)
	}
	for i, s := range wantStages {
		if rep.Stages[i].Stage != s || rep.Stages[i].Error != "" {
			t.Errorf("stage %d = %+v, want %s ok", i, rep.Stages[i], s)
		}
	}

	if len(rep.Regions) != 2 {
		t.Fatalf("regions = %+v", rep.Regions)
	}
	for _, r := range rep.Regions {
		if !r.OK {
			t.Errorf("region %s failed: %s", r.Role, r.Error)
		}
	}
	if len(rep.WorkFactors) != 2 {
		t.Errorf("work factors = %+v", rep.WorkFactors)
	}

	// The OS image landed on partition 2.
	osPart, _ := partition.AppliedLayout{Parts: parts}.ByRole(plan.RoleOS)
	written, err := os.ReadFile(osPart.Path)
	if err != nil || len(written) != 1<<20 {
		t.Errorf("os partition has %d bytes (%v), want the full image", len(written), err)
	}
	// Kali persistence got its marker file.
	conf, err := os.ReadFile(filepath.Join(env.cfg.MountBase, "persistence", "persistence.conf"))
	if err != nil || string(conf) != "/ union\n" {
		t.Errorf("persistence.conf = %q (%v)", conf, err)
	}
	// The run report was persisted.
	reports, err := os.ReadDir(filepath.Join(env.cfg.StateDir, "reports"))
	if err != nil || len(reports) != 1 {
		t.Errorf("reports dir: %v (%v)", reports, err)
	}

	sawWipe := false
	for _, l := range fake.CommandLines() {
		if l == "wipefs --all "+env.device {
			sawWipe = true
		}
	}
	if !sawWipe {
		t.Error("wipe step never ran")
	}
}

func TestRunTooSmallDeviceStaysUntouched(t *testing.T) {
	env := newTestEnv(t, 512<<20, 1<<20)
	fake := lsblkSequence(env, 512<<20, nil, nil)

	p := New(env.cfg, fake, zerolog.Nop())
	rep, err := p.Run(context.Background(), Request{
		DevicePath:  env.device,
		Features:    fullFeatures(),
		ISOPath:     env.iso,
		Passphrases: passphrases(),
	})
	var de *blockdev.DeviceError
	if !errors.As(err, &de) || de.Kind != blockdev.TooSmall {
		t.Fatalf("expected TooSmall, got %v", err)
	}
	if rep.Destructive || rep.FailedStage != StageValidating {
		t.Errorf("report = %+v", rep)
	}
	for _, l := range fake.CommandLines() {
		if !strings.HasPrefix(l, "lsblk") {
			t.Errorf("destructive or preparatory command ran on a rejected device: %q", l)
		}
	}
}

func TestRunEncryptingFailureRecordsPartialSuccess(t *testing.T) {
	env := newTestEnv(t, 8<<30, 1<<20)
	req := fullFeatures()
	ref := req
	ref.ISOSizeBytes = 1 << 20
	parts := expectedLayout(t, env, ref)
	fake := lsblkSequence(env, 8<<30, parts, map[string]string{
		"veracrypt --text --non-interactive --stdin --create": "Error: device busy",
	})

	p := New(env.cfg, fake, zerolog.Nop())
	rep, err := p.Run(context.Background(), Request{
		DevicePath:  env.device,
		Features:    req,
		ISOPath:     env.iso,
		Passphrases: passphrases(),
	})
	if err == nil {
		t.Fatal("veracrypt failure not reported")
	}
	if rep.FailedStage != StageEncrypting {
		t.Errorf("failed stage %s", rep.FailedStage)
	}
	if len(rep.Regions) != 2 {
		t.Fatalf("regions = %+v", rep.Regions)
	}
	byRole := map[string]RegionResult{}
	for _, r := range rep.Regions {
		byRole[r.Role] = r
	}
	if !byRole["persistence"].OK {
		t.Errorf("persistence should have succeeded: %+v", byRole["persistence"])
	}
	if byRole["documents"].OK || !strings.Contains(byRole["documents"].Error, "device busy") {
		t.Errorf("documents result = %+v", byRole["documents"])
	}
	// Populating never ran.
	for _, st := range rep.Stages {
		if st.Stage == StagePopulating {
			t.Error("populating ran after an encrypting failure")
		}
	}
}

func TestRunRejectsWeakPassphraseBeforeDestruction(t *testing.T) {
	env := newTestEnv(t, 8<<30, 1<<20)
	fake := lsblkSequence(env, 8<<30, nil, nil)

	p := New(env.cfg, fake, zerolog.Nop())
	pass := passphrases()
	pass[plan.RoleDocuments] = []byte("short")
	rep, err := p.Run(context.Background(), Request{
		DevicePath:  env.device,
		Features:    fullFeatures(),
		ISOPath:     env.iso,
		Passphrases: pass,
	})
	if err == nil {
		t.Fatal("weak passphrase accepted")
	}
	if rep.Destructive {
		t.Error("device modified despite a rejected passphrase")
	}
}

func TestRunLockedDeviceRejected(t *testing.T) {
	env := newTestEnv(t, 8<<30, 1<<20)
	fake := lsblkSequence(env, 8<<30, nil, nil)

	if !tryAcquireLock(env.cfg.StateDir, env.device, "other-run") {
		t.Fatal("pre-acquire failed")
	}
	defer releaseLock(env.cfg.StateDir, env.device)

	p := New(env.cfg, fake, zerolog.Nop())
	_, err := p.Run(context.Background(), Request{
		DevicePath:  env.device,
		Features:    fullFeatures(),
		ISOPath:     env.iso,
		Passphrases: passphrases(),
	})
	if err == nil || !strings.Contains(err.Error(), "already being provisioned") {
		t.Fatalf("expected lock rejection, got %v", err)
	}
	if n := len(fake.Calls()); n != 0 {
		t.Errorf("%d commands ran while locked", n)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	env := newTestEnv(t, 8<<30, 1<<20)
	fake := lsblkSequence(env, 8<<30, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(env.cfg, fake, zerolog.Nop())
	rep, err := p.Run(ctx, Request{
		DevicePath:  env.device,
		Features:    fullFeatures(),
		ISOPath:     env.iso,
		Passphrases: passphrases(),
	})
	if err == nil || !strings.Contains(err.Error(), "canceled before validating") {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if rep.Destructive || len(fake.Calls()) != 0 {
		t.Errorf("work happened after cancellation: %v", fake.CommandLines())
	}
}

func TestRunCancelMidPartitioningFinishesStage(t *testing.T) {
	env := newTestEnv(t, 8<<30, 1<<20)
	req := fullFeatures()
	ref := req
	ref.ISOSizeBytes = 1 << 20
	parts := expectedLayout(t, env, ref)

	ctx, cancel := context.WithCancel(context.Background())
	inner := lsblkSequence(env, 8<<30, parts, nil)
	fake := &shell.Fake{Handler: func(name string, args ...string) (shell.Result, error) {
		if name == "wipefs" {
			// Operator interrupt while the wipe runs.
			cancel()
		}
		return inner.Handler(name, args...)
	}}

	p := New(env.cfg, fake, zerolog.Nop())
	rep, err := p.Run(ctx, Request{
		DevicePath:  env.device,
		Features:    req,
		ISOPath:     env.iso,
		Passphrases: passphrases(),
	})
	if err == nil || !strings.Contains(err.Error(), "canceled before encrypting") {
		t.Fatalf("expected a boundary cancellation, got %v", err)
	}
	if rep.FailedStage != StageEncrypting {
		t.Errorf("failed stage %s", rep.FailedStage)
	}
	// Partitioning must have run to completion: no half-written table.
	for _, st := range rep.Stages {
		if st.Stage == StagePartitioning && st.Error != "" {
			t.Errorf("partitioning aborted mid-write: %s", st.Error)
		}
	}
	sawPartprobe, newCalls := false, 0
	for _, l := range fake.CommandLines() {
		if l == "partprobe "+env.device {
			sawPartprobe = true
		}
		if strings.HasPrefix(l, "sgdisk --new=") {
			newCalls++
		}
	}
	if !sawPartprobe || newCalls != len(parts) {
		t.Errorf("partitioning commands were cut short: partprobe=%v, %d of %d partitions created",
			sawPartprobe, newCalls, len(parts))
	}
	// Nothing destructive after the boundary.
	for _, l := range fake.CommandLines() {
		if strings.HasPrefix(l, "cryptsetup") || strings.HasPrefix(l, "veracrypt") {
			t.Errorf("encryption ran after cancellation: %q", l)
		}
	}
}

func TestRunDetectsExternalMountBetweenStages(t *testing.T) {
	env := newTestEnv(t, 8<<30, 1<<20)
	req := fullFeatures()
	ref := req
	ref.ISOSizeBytes = 1 << 20
	parts := expectedLayout(t, env, ref)

	mountedJSON := strings.Replace(lsblkJSON(env.device, 8<<30, parts),
		`"type":"part"`, `"type":"part","mountpoint":"/media/auto"`, 1)

	// Call 1 validates, call 2 rechecks before partitioning, call 3 is
	// the recheck before encrypting: that one sees an automounted
	// partition.
	var lsblkCalls int32
	fake := &shell.Fake{Handler: func(name string, args ...string) (shell.Result, error) {
		if name != "lsblk" {
			return shell.Result{}, nil
		}
		switch atomic.AddInt32(&lsblkCalls, 1) {
		case 1:
			return shell.Result{Stdout: []byte(lsblkJSON(env.device, 8<<30, nil))}, nil
		case 3:
			return shell.Result{Stdout: []byte(mountedJSON)}, nil
		default:
			return shell.Result{Stdout: []byte(lsblkJSON(env.device, 8<<30, parts))}, nil
		}
	}}

	p := New(env.cfg, fake, zerolog.Nop())
	rep, err := p.Run(context.Background(), Request{
		DevicePath:  env.device,
		Features:    req,
		ISOPath:     env.iso,
		Passphrases: passphrases(),
	})
	if err == nil || !strings.Contains(err.Error(), "device changed since partitioning") {
		t.Fatalf("expected a recheck failure, got %v", err)
	}
	if rep.FailedStage != StageEncrypting {
		t.Errorf("failed stage %s", rep.FailedStage)
	}
	for _, l := range fake.CommandLines() {
		if strings.HasPrefix(l, "cryptsetup") || strings.HasPrefix(l, "veracrypt") {
			t.Errorf("encryption ran on a device that changed underneath: %q", l)
		}
	}
}

func TestRunPrepareRetriesMountedDevice(t *testing.T) {
	env := newTestEnv(t, 8<<30, 0)
	req := plan.FeatureRequest{Utility: true}
	parts := expectedLayout(t, env, req)

	mounted := []partition.AppliedPart{{
		Spec: plan.Spec{Role: plan.RoleUtility, Index: 1, SizeSectors: 524288},
		Path: blockdev.PartitionPath(env.device, 1),
	}}
	mountedJSON := strings.Replace(lsblkJSON(env.device, 8<<30, mounted),
		`"type":"part"`, `"type":"part","mountpoint":"/media/old"`, 1)

	var lsblkCalls int32
	fake := &shell.Fake{Handler: func(name string, args ...string) (shell.Result, error) {
		if name != "lsblk" {
			return shell.Result{}, nil
		}
		// First two inventories see the stale mount (validate, then the
		// prepare re-read); later ones see the fresh state.
		if atomic.AddInt32(&lsblkCalls, 1) <= 2 {
			return shell.Result{Stdout: []byte(mountedJSON)}, nil
		}
		return shell.Result{Stdout: []byte(lsblkJSON(env.device, 8<<30, parts))}, nil
	}}

	p := New(env.cfg, fake, zerolog.Nop())
	rep, err := p.Run(context.Background(), Request{
		DevicePath: env.device,
		Features:   req,
		Prepare:    true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Result != "done" {
		t.Errorf("report = %+v", rep)
	}
	sawUmount := false
	for _, l := range fake.CommandLines() {
		if l == "umount "+blockdev.PartitionPath(env.device, 1) {
			sawUmount = true
		}
	}
	if !sawUmount {
		t.Error("prepare never unmounted the stale mount")
	}
}

package partition

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/blockdev"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
	"github.com/n0m4d1k/covert-sd-card-tool/pkg/shell"
)

// AppliedPart pairs a planned spec with the device node it landed on.
type AppliedPart struct {
	Spec plan.Spec
	Path string
}

// AppliedLayout is the on-disk result of applying a plan.
type AppliedLayout struct {
	Device string
	Parts  []AppliedPart
}

func (l AppliedLayout) ByRole(role plan.Role) (AppliedPart, bool) {
	for _, p := range l.Parts {
		if p.Spec.Role == role {
			return p, true
		}
	}
	return AppliedPart{}, false
}

// waitForNode polls for a partition device node after partprobe.
// Overridable in tests, where no real nodes appear.
var waitForNode = func(path string) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("partition node %s did not appear", path)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Executor applies a partition plan to a device. Every step is a
// synchronous external-tool invocation treated as atomic-or-failed.
type Executor struct {
	run shell.Runner
	log zerolog.Logger
}

func NewExecutor(run shell.Runner, log zerolog.Logger) *Executor {
	return &Executor{run: run, log: log.With().Str("component", "partition").Logger()}
}

// Apply wipes stale signatures, writes a fresh GPT, creates every
// planned entry and formats the plaintext partitions. Encrypted and
// raw regions are left untouched for the later stages. A table-level
// failure rolls the table back to empty; a format failure removes only
// the failed entry.
func (e *Executor) Apply(ctx context.Context, dev blockdev.Device, pl plan.Plan) (AppliedLayout, error) {
	if err := pl.Validate(dev.SizeBytes); err != nil {
		return AppliedLayout{}, err
	}

	// Step 1: kill stale signatures so nothing autodetects the old
	// contents. Signature wipe only, not a full-disk erase.
	wipe := [][]string{
		{"wipefs", "--all", dev.Path},
		{"sgdisk", "--zap-all", dev.Path},
		{"dd", "if=/dev/zero", "of=" + dev.Path, "bs=1M", "count=10", "conv=fsync"},
	}
	for _, cmd := range wipe {
		if err := e.step(ctx, 2*time.Minute, WipeFailed, cmd[0], cmd[1:]...); err != nil {
			return AppliedLayout{}, err
		}
	}

	// Step 2: fresh GPT sized to the device.
	if err := e.step(ctx, 30*time.Second, TableWriteFailed, "parted", "-s", dev.Path, "mklabel", "gpt"); err != nil {
		return AppliedLayout{}, err
	}

	// Step 3: table entries in plan order.
	layout := AppliedLayout{Device: dev.Path}
	for _, s := range pl.Specs {
		args := []string{
			fmt.Sprintf("--new=%d:%d:%d", s.Index, s.StartSector, s.EndSector()-1),
			fmt.Sprintf("--typecode=%d:%s", s.Index, typeCode(s)),
		}
		if s.Label != "" {
			args = append(args, fmt.Sprintf("--change-name=%d:%s", s.Index, s.Label))
		}
		args = append(args, dev.Path)
		if err := e.step(ctx, 30*time.Second, TableWriteFailed, "sgdisk", args...); err != nil {
			// Roll back the table only: rewrite it empty. Content
			// recovery is always re-run-from-wipe.
			e.rollbackTable(ctx, dev.Path)
			return AppliedLayout{}, err
		}
		layout.Parts = append(layout.Parts, AppliedPart{Spec: s, Path: blockdev.PartitionPath(dev.Path, s.Index)})
	}

	if err := e.step(ctx, 30*time.Second, TableWriteFailed, "partprobe", dev.Path); err != nil {
		e.rollbackTable(ctx, dev.Path)
		return AppliedLayout{}, err
	}
	for _, p := range layout.Parts {
		if err := waitForNode(p.Path); err != nil {
			e.rollbackTable(ctx, dev.Path)
			return AppliedLayout{}, &ExecError{Kind: TableWriteFailed, Step: "partprobe", Err: err}
		}
	}

	// Step 4: format plaintext partitions now; encrypted and raw
	// regions belong to later stages.
	for _, p := range layout.Parts {
		if p.Spec.Encrypted || p.Spec.FSType == "raw" {
			continue
		}
		if err := e.format(ctx, p); err != nil {
			// Drop the half-formatted entry rather than leaving it
			// referenced by the table.
			_, _ = e.run.Run(ctx, 30*time.Second, "sgdisk", fmt.Sprintf("--delete=%d", p.Spec.Index), dev.Path)
			_, _ = e.run.Run(ctx, 30*time.Second, "partprobe", dev.Path)
			return AppliedLayout{}, err
		}
	}

	return layout, nil
}

func (e *Executor) format(ctx context.Context, p AppliedPart) error {
	var name string
	var args []string
	switch p.Spec.FSType {
	case "vfat":
		name = "mkfs.vfat"
		args = []string{"-F32", "-n", p.Spec.Label, p.Path}
	case "ext4":
		name = "mkfs.ext4"
		args = []string{"-q", "-F", "-L", p.Spec.Label, p.Path}
	default:
		return &ExecError{Kind: FormatFailed, Step: "mkfs",
			Err: fmt.Errorf("no formatter for filesystem type %q", p.Spec.FSType)}
	}
	return e.step(ctx, 10*time.Minute, FormatFailed, name, args...)
}

func (e *Executor) rollbackTable(ctx context.Context, device string) {
	e.log.Warn().Str("device", device).Msg("rolling back partition table")
	_, _ = e.run.Run(ctx, 2*time.Minute, "sgdisk", "--zap-all", device)
}

func (e *Executor) step(ctx context.Context, timeout time.Duration, kind ErrorKind, name string, args ...string) error {
	e.log.Debug().Str("tool", name).Strs("args", args).Msg("exec")
	res, err := e.run.Run(ctx, timeout, name, args...)
	if err != nil {
		return &ExecError{
			Kind:   kind,
			Step:   name + " " + strings.Join(args, " "),
			Output: strings.TrimSpace(string(res.Stderr) + string(res.Stdout)),
			Err:    err,
		}
	}
	return nil
}

// typeCode picks the GPT partition type. Encrypted persistence gets the
// LUKS type; everything else stays innocuous basic data.
func typeCode(s plan.Spec) string {
	if s.Encrypted && s.Role == plan.RolePersistence {
		return "8309"
	}
	return "0700"
}

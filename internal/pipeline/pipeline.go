package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/blockdev"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/config"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/crypt"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/deps"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/partition"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/populate"
	"github.com/n0m4d1k/covert-sd-card-tool/pkg/shell"
)

// statISO sizes the OS image; overridable in tests.
var statISO = func(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory, not an image", path)
	}
	return uint64(info.Size()), nil
}

// Request is the full input of one provisioning run.
type Request struct {
	DevicePath string
	Features   plan.FeatureRequest
	ISOPath    string
	UtilitySrc string
	// Passphrases holds one entry per encrypted region. Never logged,
	// never written to the report.
	Passphrases map[plan.Role][]byte
	// Prepare allows one unmount/swapoff attempt when the device is
	// busy, instead of rejecting it outright.
	Prepare  bool
	Progress bool
}

// Pipeline drives a provisioning run through its stages. A Pipeline
// handles one run at a time; the per-device lock additionally rejects
// overlapping runs against the same device from other instances.
type Pipeline struct {
	cfg       config.Config
	run       shell.Runner
	log       zerolog.Logger
	deps      *deps.Checker
	inspector *blockdev.Inspector
	planner   plan.Planner
	executor  *partition.Executor
	crypt     *crypt.Provisioner
	populator *populate.Populator
}

func New(cfg config.Config, run shell.Runner, log zerolog.Logger) *Pipeline {
	cp := crypt.NewProvisioner(run, log)
	return &Pipeline{
		cfg:       cfg,
		run:       run,
		log:       log.With().Str("component", "pipeline").Logger(),
		deps:      deps.NewChecker(),
		inspector: blockdev.NewInspector(run, log),
		planner:   plan.Planner{OSMarginBytes: cfg.OSMarginBytes},
		executor:  partition.NewExecutor(run, log),
		crypt:     cp,
		populator: populate.NewPopulator(run, cp, log),
	}
}

// Run executes one provisioning run end to end and always returns a
// report, even on failure. Cancellation is honored at stage boundaries
// only: a stage that has started runs to completion so the device is
// never abandoned mid-syscall.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Report, error) {
	rep := newReport(req.DevicePath)
	log := p.log.With().Str("run", rep.ID).Str("device", req.DevicePath).Logger()

	if !tryAcquireLock(p.cfg.StateDir, req.DevicePath, rep.ID) {
		err := fmt.Errorf("device %s is already being provisioned", req.DevicePath)
		rep.fail(StageValidating, err)
		return rep, err
	}
	defer releaseLock(p.cfg.StateDir, req.DevicePath)

	var (
		dev          blockdev.Device
		pl           plan.Plan
		layout       partition.AppliedLayout
		vols         = map[plan.Role]crypt.Volume{}
		openMappings []crypt.Volume
	)

	stage := func(s Stage, fn func() error) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled before %s: %w", s, err)
		}
		log.Info().Str("stage", string(s)).Msg("stage start")
		rep.beginStage(s)
		err := fn()
		rep.endStage(err)
		if err != nil {
			log.Error().Str("stage", string(s)).Err(err).Msg("stage failed")
		}
		return err
	}
	abort := func(s Stage, err error) (*Report, error) {
		p.cleanup(context.Background(), log, openMappings)
		rep.fail(s, err)
		p.save(log, rep)
		return rep, err
	}

	if err := stage(StageValidating, func() error {
		if req.Features.InstallOS {
			size, err := statISO(req.ISOPath)
			if err != nil {
				return fmt.Errorf("OS image: %w", err)
			}
			req.Features.ISOSizeBytes = size
		}
		if err := p.deps.Check(req.Features); err != nil {
			return err
		}
		if err := p.checkPassphrases(req); err != nil {
			return err
		}
		var err error
		dev, err = p.validateDevice(ctx, log, req)
		return err
	}); err != nil {
		return abort(StageValidating, err)
	}

	if err := stage(StagePlanning, func() error {
		var err error
		pl, err = p.planner.Plan(dev, req.Features)
		if err != nil {
			return err
		}
		return pl.Validate(dev.SizeBytes)
	}); err != nil {
		return abort(StagePlanning, err)
	}
	for _, s := range pl.Specs {
		log.Info().Str("role", string(s.Role)).Int("index", s.Index).
			Uint64("startSector", s.StartSector).Uint64("sizeSectors", s.SizeSectors).
			Str("fstype", s.FSType).Bool("encrypted", s.Encrypted).Msg("planned partition")
	}

	// Tools launched inside a destructive stage must run to completion
	// even when the run context is cancelled mid-stage; the stage
	// closure honors the cancellation at the next boundary. Per-command
	// timeouts still apply through the runner.
	toolCtx := context.WithoutCancel(ctx)
	// Device state can change externally (auto-mount, hotplug).
	// Re-check before every destructive stage.
	recheck := func(since string) error {
		if _, err := p.inspector.Validate(toolCtx, req.DevicePath, plan.MinBytes(req.Features, p.cfg.OSMarginBytes)); err != nil {
			return fmt.Errorf("device changed since %s: %w", since, err)
		}
		return nil
	}

	if err := stage(StagePartitioning, func() error {
		if err := recheck("validation"); err != nil {
			return err
		}
		rep.Destructive = true
		var err error
		layout, err = p.executor.Apply(toolCtx, dev, pl)
		return err
	}); err != nil {
		return abort(StagePartitioning, err)
	}

	if err := stage(StageEncrypting, func() error {
		if err := recheck("partitioning"); err != nil {
			return err
		}
		return p.encrypt(toolCtx, log, rep, req, pl, layout, vols, &openMappings)
	}); err != nil {
		return abort(StageEncrypting, err)
	}

	if err := stage(StagePopulating, func() error {
		if err := recheck("encrypting"); err != nil {
			return err
		}
		p.populator.OnOpen = func(v crypt.Volume) { openMappings = append(openMappings, v) }
		p.populator.OnClose = func(v crypt.Volume) {
			for i := len(openMappings) - 1; i >= 0; i-- {
				if openMappings[i].PartitionPath == v.PartitionPath {
					openMappings = append(openMappings[:i], openMappings[i+1:]...)
					break
				}
			}
		}
		return p.populator.Populate(toolCtx, layout, vols, req.Passphrases, populate.Options{
			ISOPath:    req.ISOPath,
			UtilitySrc: req.UtilitySrc,
			Flavor:     req.Features.Flavor,
			MountBase:  p.cfg.MountBase,
			Progress:   req.Progress,
		})
	}); err != nil {
		return abort(StagePopulating, err)
	}

	if err := stage(StageVerifying, func() error {
		return p.verify(toolCtx, req.DevicePath, pl, layout, openMappings)
	}); err != nil {
		return abort(StageVerifying, err)
	}

	rep.done()
	p.save(log, rep)
	log.Info().Msg("provisioning complete")
	return rep, nil
}

// validateDevice runs the destructive-run pre-conditions, with a single
// prepare-and-retry when the device is merely mounted and the caller
// opted in.
func (p *Pipeline) validateDevice(ctx context.Context, log zerolog.Logger, req Request) (blockdev.Device, error) {
	minBytes := plan.MinBytes(req.Features, p.cfg.OSMarginBytes)
	dev, err := p.inspector.Validate(ctx, req.DevicePath, minBytes)
	if err == nil {
		return dev, nil
	}
	var de *blockdev.DeviceError
	if !req.Prepare || !errors.As(err, &de) || de.Kind != blockdev.Mounted {
		return blockdev.Device{}, err
	}
	log.Info().Str("detail", de.Detail).Msg("device busy, attempting unmount")
	full, ierr := p.inspector.Inspect(ctx, req.DevicePath)
	if ierr != nil {
		return blockdev.Device{}, err
	}
	if perr := p.inspector.Prepare(ctx, full); perr != nil {
		return blockdev.Device{}, fmt.Errorf("prepare: %w", perr)
	}
	return p.inspector.Validate(ctx, req.DevicePath, minBytes)
}

// encrypt provisions every encrypted region, continuing past failures
// so the report can show which regions made it. The stage fails with
// the first error.
func (p *Pipeline) encrypt(ctx context.Context, log zerolog.Logger, rep *Report, req Request,
	pl plan.Plan, layout partition.AppliedLayout, vols map[plan.Role]crypt.Volume, openMappings *[]crypt.Volume) error {

	profile := crypt.ProfileStrong
	if req.Features.FastMode {
		profile = crypt.ProfileFast
	}
	var firstErr error
	for _, s := range pl.EncryptedSpecs() {
		part, ok := layout.ByRole(s.Role)
		if !ok {
			return fmt.Errorf("planned region %s missing from applied layout", s.Role)
		}
		backend, _ := crypt.BackendFor(s.Role)
		region := RegionResult{Role: string(s.Role), Backend: string(backend)}
		vol, err := p.crypt.Provision(ctx, s, part.Path, req.Passphrases[s.Role], profile)
		if err != nil {
			region.Error = err.Error()
			if vol.Open() {
				*openMappings = append(*openMappings, vol)
			}
			if firstErr == nil {
				firstErr = err
			}
			var ce *crypt.CryptoError
			if req.Features.FastMode && errors.As(err, &ce) {
				log.Warn().Str("role", string(s.Role)).Msg("region failed while fast mode was active")
			}
		} else {
			region.OK = true
			vols[s.Role] = vol
			rep.WorkFactors = append(rep.WorkFactors, crypt.FactorFor(backend, profile))
		}
		rep.Regions = append(rep.Regions, region)
	}
	return firstErr
}

// verify re-reads the device and checks that every planned partition
// exists with the expected size, within one alignment unit, and that no
// encrypted mapping is left open.
func (p *Pipeline) verify(ctx context.Context, device string, pl plan.Plan,
	layout partition.AppliedLayout, openMappings []crypt.Volume) error {

	fresh, err := p.inspector.Inspect(ctx, device)
	if err != nil {
		return fmt.Errorf("re-inspect: %w", err)
	}
	for _, part := range layout.Parts {
		want := part.Spec.SizeSectors * pl.SectorSize
		var got *blockdev.ChildPart
		for i := range fresh.Children {
			if fresh.Children[i].Path == part.Path {
				got = &fresh.Children[i]
				break
			}
		}
		if got == nil {
			return fmt.Errorf("partition %s missing after provisioning", part.Path)
		}
		if diff(got.SizeBytes, want) > plan.AlignBytes {
			return fmt.Errorf("partition %s is %d bytes, planned %d", part.Path, got.SizeBytes, want)
		}
		// The LUKS region must carry its header. VeraCrypt containers
		// are indistinguishable from random data, nothing to probe.
		if part.Spec.Encrypted && part.Spec.Role == plan.RolePersistence {
			res, err := p.run.Run(ctx, 10*time.Second, "blkid", "-o", "value", "-s", "TYPE", part.Path)
			if err != nil {
				return fmt.Errorf("blkid %s: %w", part.Path, err)
			}
			if got := strings.TrimSpace(string(res.Stdout)); got != "crypto_LUKS" {
				return fmt.Errorf("partition %s has type %q, want crypto_LUKS", part.Path, got)
			}
		}
	}
	if n := len(openMappings); n > 0 {
		return fmt.Errorf("%d encrypted mapping(s) still open", n)
	}
	return nil
}

// cleanup closes whatever mappings are still open, newest first. Errors
// are logged, not returned: cleanup runs on a path that already failed.
func (p *Pipeline) cleanup(ctx context.Context, log zerolog.Logger, openMappings []crypt.Volume) {
	for i := len(openMappings) - 1; i >= 0; i-- {
		vol := openMappings[i]
		if _, err := p.crypt.UnmountAndClose(ctx, vol); err != nil {
			log.Warn().Str("volume", vol.String()).Err(err).Msg("cleanup: failed to close mapping")
		} else {
			log.Info().Str("volume", vol.String()).Msg("cleanup: mapping closed")
		}
	}
}

func (p *Pipeline) checkPassphrases(req Request) error {
	need := []plan.Role{}
	if req.Features.Persistence {
		need = append(need, plan.RolePersistence)
	}
	if req.Features.Documents {
		need = append(need, plan.RoleDocuments)
	}
	for _, role := range need {
		if len(req.Passphrases[role]) < crypt.MinPassphraseLen {
			backend, _ := crypt.BackendFor(role)
			return &crypt.CryptoError{Kind: crypt.WeakPassphraseRejected, Backend: backend, Device: req.DevicePath,
				Output: fmt.Sprintf("%s passphrase shorter than %d characters", role, crypt.MinPassphraseLen)}
		}
	}
	return nil
}

func (p *Pipeline) save(log zerolog.Logger, rep *Report) {
	path, err := rep.Save(p.cfg.StateDir)
	if err != nil {
		log.Warn().Err(err).Msg("failed to save run report")
		return
	}
	log.Info().Str("path", path).Msg("run report saved")
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

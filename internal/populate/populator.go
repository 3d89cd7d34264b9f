package populate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/crypt"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/partition"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
	"github.com/n0m4d1k/covert-sd-card-tool/pkg/shell"
)

const copyChunk = 4 * 1024 * 1024

// Options selects what gets written where.
type Options struct {
	ISOPath    string
	UtilitySrc string // optional directory copied onto the utility partition
	Flavor     plan.OSFlavor
	MountBase  string
	Progress   bool
}

// Populator writes the OS image and region contents. Encrypted regions
// are opened, used and closed one at a time so unlocked key material is
// never exposed longer than needed.
type Populator struct {
	run   shell.Runner
	crypt *crypt.Provisioner
	log   zerolog.Logger

	// OnOpen/OnClose report mapping lifecycle so the pipeline can track
	// what would need cleanup if this stage dies mid-flight.
	OnOpen  func(crypt.Volume)
	OnClose func(crypt.Volume)
}

func NewPopulator(run shell.Runner, cp *crypt.Provisioner, log zerolog.Logger) *Populator {
	return &Populator{run: run, crypt: cp, log: log.With().Str("component", "populate").Logger()}
}

// Populate writes the OS image, persistence configuration and utility
// files according to the applied layout.
func (p *Populator) Populate(ctx context.Context, layout partition.AppliedLayout,
	vols map[plan.Role]crypt.Volume, passphrases map[plan.Role][]byte, opts Options) error {

	if part, ok := layout.ByRole(plan.RoleOS); ok {
		if err := p.writeImage(opts.ISOPath, part.Path, opts.Progress); err != nil {
			return err
		}
	}
	if part, ok := layout.ByRole(plan.RolePersistence); ok {
		if err := p.populatePersistence(ctx, part, vols[plan.RolePersistence], passphrases[plan.RolePersistence], opts); err != nil {
			return err
		}
	}
	if part, ok := layout.ByRole(plan.RoleUtility); ok {
		if err := p.populateUtility(ctx, part, opts); err != nil {
			return err
		}
	}
	// Documents: the VeraCrypt container is created pre-formatted and
	// starts out empty on purpose.
	return nil
}

// writeImage streams the ISO onto the OS partition in fixed chunks and
// syncs at the end. There is no partial resume: an interrupted write is
// recovered by re-running provisioning from a clean wipe.
func (p *Populator) writeImage(isoPath, devPath string, progress bool) error {
	src, err := os.Open(isoPath)
	if err != nil {
		return &PopulateError{Kind: ImageWriteFailed, Target: devPath, Err: err}
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return &PopulateError{Kind: ImageWriteFailed, Target: devPath, Err: err}
	}

	dst, err := os.OpenFile(devPath, os.O_WRONLY, 0)
	if err != nil {
		return &PopulateError{Kind: ImageWriteFailed, Target: devPath, Err: err}
	}
	defer dst.Close()

	p.log.Info().Str("iso", isoPath).Str("target", devPath).Int64("bytes", info.Size()).Msg("writing OS image")
	var w io.Writer = dst
	if progress {
		bar := progressbar.DefaultBytes(info.Size(), "Writing OS image")
		w = io.MultiWriter(dst, bar)
	}
	if _, err := io.CopyBuffer(w, src, make([]byte, copyChunk)); err != nil {
		return &PopulateError{Kind: ImageWriteFailed, Target: devPath, Err: err}
	}
	if err := dst.Sync(); err != nil {
		return &PopulateError{Kind: ImageWriteFailed, Target: devPath, Err: err}
	}
	return nil
}

func (p *Populator) populatePersistence(ctx context.Context, part partition.AppliedPart,
	vol crypt.Volume, passphrase []byte, opts Options) error {

	if opts.Flavor == plan.FlavorTails {
		// Tails finds its persistent storage by label alone; nothing to
		// write inside.
		return nil
	}
	mountpoint := filepath.Join(opts.MountBase, "persistence")
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return &PopulateError{Kind: MountFailed, Target: mountpoint, Err: err}
	}

	open, err := p.crypt.OpenAndMount(ctx, vol, passphrase, mountpoint)
	if err != nil {
		return &PopulateError{Kind: MountFailed, Target: part.Path, Err: err}
	}
	p.notifyOpen(open)
	defer func() {
		if closed, err := p.crypt.UnmountAndClose(ctx, open); err != nil {
			p.log.Warn().Err(err).Str("device", part.Path).Msg("failed to close persistence mapping")
		} else {
			p.notifyClose(closed)
		}
	}()

	conf := filepath.Join(mountpoint, "persistence.conf")
	if err := os.WriteFile(conf, []byte("/ union\n"), 0o644); err != nil {
		return &PopulateError{Kind: CopyFailed, Target: conf, Err: err}
	}
	p.log.Info().Str("path", conf).Msg("wrote persistence.conf")
	return nil
}

func (p *Populator) populateUtility(ctx context.Context, part partition.AppliedPart, opts Options) error {
	mountpoint := filepath.Join(opts.MountBase, "utility")
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return &PopulateError{Kind: MountFailed, Target: mountpoint, Err: err}
	}
	if res, err := p.run.Run(ctx, 30*time.Second, "mount", part.Path, mountpoint); err != nil {
		return &PopulateError{Kind: MountFailed, Target: part.Path,
			Err: fmt.Errorf("%s: %w", strings.TrimSpace(string(res.Stderr)), err)}
	}
	defer func() {
		if _, err := p.run.Run(ctx, 30*time.Second, "umount", mountpoint); err != nil {
			p.log.Warn().Str("mountpoint", mountpoint).Err(err).Msg("failed to unmount utility partition")
		}
	}()

	readme := filepath.Join(mountpoint, "README.txt")
	if err := os.WriteFile(readme, []byte(utilityReadme), 0o644); err != nil {
		return &PopulateError{Kind: CopyFailed, Target: readme, Err: err}
	}
	if opts.UtilitySrc != "" {
		if err := copyTree(opts.UtilitySrc, mountpoint); err != nil {
			return &PopulateError{Kind: CopyFailed, Target: opts.UtilitySrc, Err: err}
		}
	}
	return nil
}

func (p *Populator) notifyOpen(v crypt.Volume) {
	if p.OnOpen != nil {
		p.OnOpen(v)
	}
}

func (p *Populator) notifyClose(v crypt.Volume) {
	if p.OnClose != nil {
		p.OnClose(v)
	}
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}

const utilityReadme = `This drive contains a bootable live system.

Boot from it by selecting the USB device in your firmware's boot menu.
Helper scripts, if any, live alongside this file.
`

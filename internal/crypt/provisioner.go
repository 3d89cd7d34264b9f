package crypt

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
	"github.com/n0m4d1k/covert-sd-card-tool/pkg/shell"
)

// MinPassphraseLen is the shortest passphrase any backend accepts.
// Checked again by the pipeline before anything destructive runs.
const MinPassphraseLen = 8

// lookPath seam for backend availability checks.
var lookPath = exec.LookPath

// BackendFor maps a region role to its encryption backend: persistence
// rides the in-kernel LUKS stack, documents get a user-space VeraCrypt
// container.
func BackendFor(role plan.Role) (Backend, error) {
	switch role {
	case plan.RolePersistence:
		return BackendLUKS, nil
	case plan.RoleDocuments:
		return BackendVeraCrypt, nil
	}
	return "", fmt.Errorf("role %s has no encryption backend", role)
}

// Provisioner creates and opens encrypted containers. Passphrases are
// handed to the backend tools on stdin and never logged or persisted.
type Provisioner struct {
	run shell.Runner
	log zerolog.Logger
}

func NewProvisioner(run shell.Runner, log zerolog.Logger) *Provisioner {
	return &Provisioner{run: run, log: log.With().Str("component", "crypt").Logger()}
}

// Provision creates the container for one encrypted spec: write the
// header, open the mapping, put the plaintext filesystem inside, close
// the mapping again. Nothing is left unlocked when it returns.
func (p *Provisioner) Provision(ctx context.Context, spec plan.Spec, devPath string, passphrase []byte, profile Profile) (Volume, error) {
	backend, err := BackendFor(spec.Role)
	if err != nil {
		return Volume{}, err
	}
	if len(passphrase) < MinPassphraseLen {
		return Volume{}, &CryptoError{Kind: WeakPassphraseRejected, Backend: backend, Device: devPath,
			Output: fmt.Sprintf("passphrase shorter than %d characters", MinPassphraseLen)}
	}
	wf := FactorFor(backend, profile)
	if profile == ProfileFast {
		p.log.Warn().Str("backend", string(backend)).Str("device", devPath).
			Msg("fast mode: reduced key-derivation work factor, weaker against brute force")
	}
	switch backend {
	case BackendLUKS:
		return p.provisionLUKS(ctx, spec, devPath, passphrase, wf)
	default:
		return p.provisionVeraCrypt(ctx, spec, devPath, passphrase, wf)
	}
}

// OpenAndMount reopens a provisioned volume and mounts its plaintext
// filesystem at mountpoint. Callers must pair it with UnmountAndClose;
// the open/use/close discipline is per region, never batched.
func (p *Provisioner) OpenAndMount(ctx context.Context, vol Volume, passphrase []byte, mountpoint string) (Volume, error) {
	switch vol.Backend {
	case BackendLUKS:
		res, err := p.run.RunInput(ctx, 2*time.Minute, passphrase, "cryptsetup", "open", "--key-file", "-", vol.PartitionPath, vol.MapperName)
		if err != nil {
			return vol, &CryptoError{Kind: MapFailed, Backend: vol.Backend, Device: vol.PartitionPath, Output: diag(res), Err: err}
		}
		mapper := "/dev/mapper/" + vol.MapperName
		if res, err := p.run.Run(ctx, 30*time.Second, "mount", mapper, mountpoint); err != nil {
			_, _ = p.run.Run(ctx, 30*time.Second, "cryptsetup", "close", vol.MapperName)
			return vol, &CryptoError{Kind: MapFailed, Backend: vol.Backend, Device: vol.PartitionPath, Output: diag(res), Err: err}
		}
		vol.MappedPath = mountpoint
		return vol, nil
	case BackendVeraCrypt:
		res, err := p.run.RunInput(ctx, 5*time.Minute, passphrase, "veracrypt",
			"--text", "--non-interactive", "--stdin", "--mount", vol.PartitionPath, mountpoint)
		if err != nil {
			return vol, &CryptoError{Kind: MapFailed, Backend: vol.Backend, Device: vol.PartitionPath, Output: diag(res), Err: err}
		}
		vol.MappedPath = mountpoint
		return vol, nil
	}
	return vol, fmt.Errorf("unknown backend %q", vol.Backend)
}

// UnmountAndClose tears an open volume back down. Safe to call on an
// already-closed volume.
func (p *Provisioner) UnmountAndClose(ctx context.Context, vol Volume) (Volume, error) {
	if !vol.Open() {
		return vol, nil
	}
	switch vol.Backend {
	case BackendLUKS:
		if res, err := p.run.Run(ctx, 30*time.Second, "umount", vol.MappedPath); err != nil {
			p.log.Warn().Str("mountpoint", vol.MappedPath).Str("detail", diag(res)).Err(err).Msg("unmount failed")
		}
		if res, err := p.run.Run(ctx, 30*time.Second, "cryptsetup", "close", vol.MapperName); err != nil {
			return vol, &CryptoError{Kind: MapFailed, Backend: vol.Backend, Device: vol.PartitionPath, Output: diag(res), Err: err}
		}
	case BackendVeraCrypt:
		if res, err := p.run.Run(ctx, 2*time.Minute, "veracrypt", "--text", "--dismount", vol.PartitionPath); err != nil {
			return vol, &CryptoError{Kind: MapFailed, Backend: vol.Backend, Device: vol.PartitionPath, Output: diag(res), Err: err}
		}
	}
	vol.MappedPath = ""
	return vol, nil
}

func diag(res shell.Result) string {
	return strings.TrimSpace(string(res.Stderr) + string(res.Stdout))
}

package crypt

import (
	"context"
	"fmt"
	"time"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
)

func (p *Provisioner) provisionVeraCrypt(ctx context.Context, spec plan.Spec, devPath string, passphrase []byte, wf WorkFactor) (Volume, error) {
	if _, err := lookPath("veracrypt"); err != nil {
		return Volume{}, &CryptoError{Kind: BackendUnavailable, Backend: BackendVeraCrypt, Device: devPath, Err: err}
	}
	vol := Volume{
		Backend:       BackendVeraCrypt,
		Profile:       wf.Profile,
		PartitionPath: devPath,
	}

	args := []string{
		"--text", "--non-interactive", "--stdin",
		"--create", devPath,
		"--volume-type=normal",
		"--encryption=" + wf.Cipher,
		"--hash=" + wf.Hash,
		"--filesystem=" + spec.FSType,
		"--random-source=/dev/urandom",
	}
	if wf.Profile == ProfileFast {
		args = append(args, fmt.Sprintf("--pim=%d", wf.PIM))
	}

	// VeraCrypt formats the inner filesystem itself during create, so
	// there is no separate mkfs step for this backend.
	p.log.Info().Str("device", devPath).Str("encryption", wf.Cipher).Msg("creating VeraCrypt container")
	res, err := p.run.RunInput(ctx, 30*time.Minute, passphrase, "veracrypt", args...)
	if err != nil {
		return Volume{}, &CryptoError{Kind: HeaderWriteFailed, Backend: BackendVeraCrypt, Device: devPath, Output: diag(res), Err: err}
	}

	// Verify the container actually maps, then close it again. A
	// header that cannot be mapped is fatal for this region.
	res, err = p.run.RunInput(ctx, 5*time.Minute, passphrase, "veracrypt",
		"--text", "--non-interactive", "--stdin", "--mount", devPath, "--filesystem=none")
	if err != nil {
		return Volume{}, &CryptoError{Kind: MapFailed, Backend: BackendVeraCrypt, Device: devPath, Output: diag(res), Err: err}
	}
	if res, err := p.run.Run(ctx, 2*time.Minute, "veracrypt", "--text", "--dismount", devPath); err != nil {
		// Hand the still-mapped container back so the caller can retry
		// the dismount during cleanup.
		vol.MappedPath = devPath
		return vol, &CryptoError{Kind: MapFailed, Backend: BackendVeraCrypt, Device: devPath, Output: diag(res), Err: err}
	}
	return vol, nil
}

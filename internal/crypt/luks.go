package crypt

import (
	"context"
	"fmt"
	"time"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
)

func (p *Provisioner) provisionLUKS(ctx context.Context, spec plan.Spec, devPath string, passphrase []byte, wf WorkFactor) (Volume, error) {
	if _, err := lookPath("cryptsetup"); err != nil {
		return Volume{}, &CryptoError{Kind: BackendUnavailable, Backend: BackendLUKS, Device: devPath, Err: err}
	}
	vol := Volume{
		Backend:       BackendLUKS,
		Profile:       wf.Profile,
		PartitionPath: devPath,
		MapperName:    "luks-" + string(spec.Role),
	}

	p.log.Info().Str("device", devPath).Int("iterTimeMs", wf.IterTimeMS).Msg("writing LUKS header")
	res, err := p.run.RunInput(ctx, 10*time.Minute, passphrase, "cryptsetup", "luksFormat",
		"--type", "luks2",
		"--cipher", wf.Cipher,
		"--key-size", "512",
		"--hash", wf.Hash,
		"--iter-time", fmt.Sprintf("%d", wf.IterTimeMS),
		"--batch-mode",
		"--key-file", "-",
		devPath)
	if err != nil {
		return Volume{}, &CryptoError{Kind: HeaderWriteFailed, Backend: BackendLUKS, Device: devPath, Output: diag(res), Err: err}
	}

	res, err = p.run.RunInput(ctx, 2*time.Minute, passphrase, "cryptsetup", "open", "--key-file", "-", devPath, vol.MapperName)
	if err != nil {
		// Header exists but cannot be mapped: fatal for this region.
		return Volume{}, &CryptoError{Kind: MapFailed, Backend: BackendLUKS, Device: devPath, Output: diag(res), Err: err}
	}

	mapper := "/dev/mapper/" + vol.MapperName
	res, err = p.run.Run(ctx, 10*time.Minute, "mkfs.ext4", "-q", "-F", "-L", spec.Label, mapper)
	if err != nil {
		_, _ = p.run.Run(ctx, 30*time.Second, "cryptsetup", "close", vol.MapperName)
		return Volume{}, &CryptoError{Kind: HeaderWriteFailed, Backend: BackendLUKS, Device: devPath,
			Output: "mkfs inside mapping: " + diag(res), Err: err}
	}

	if res, err := p.run.Run(ctx, 30*time.Second, "cryptsetup", "close", vol.MapperName); err != nil {
		// Hand the still-open volume back so the caller can retry the
		// close during cleanup.
		vol.MappedPath = mapper
		return vol, &CryptoError{Kind: MapFailed, Backend: BackendLUKS, Device: devPath, Output: diag(res), Err: err}
	}
	return vol, nil
}

// Package setup is the interactive front-end: it gathers everything a
// run needs (target drive, image, passphrases, confirmation) and hands
// a complete request to the pipeline.
package setup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/blockdev"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/config"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/crypt"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/pipeline"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
	"github.com/n0m4d1k/covert-sd-card-tool/pkg/shell"
)

// Options carries the flag values; anything left empty is asked
// interactively.
type Options struct {
	Device     string
	Features   plan.FeatureRequest
	ISOPath    string
	UtilitySrc string
	Prepare    bool
	// AssumeYes skips the destruction confirmation. Intended for
	// scripted runs that have their own guardrails.
	AssumeYes bool
}

// Setup owns the terminal conversation for one run.
type Setup struct {
	cfg  config.Config
	run  shell.Runner
	log  zerolog.Logger
	insp *blockdev.Inspector
}

func New(cfg config.Config, log zerolog.Logger) *Setup {
	run := shell.Local{}
	return &Setup{cfg: cfg, run: run, log: log, insp: blockdev.NewInspector(run, log)}
}

// OpenLogFile creates the per-run log file and returns a writer plus
// its path. Callers combine it with a console writer.
func OpenLogFile(dir string) (*os.File, string, error) {
	name := fmt.Sprintf("covert_sd_setup_%s.log", time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// Run walks the user through the remaining choices and executes the
// pipeline. The returned report is also printed as a summary.
func (s *Setup) Run(ctx context.Context, opts Options) (*pipeline.Report, error) {
	s.banner()

	if err := s.pickDrive(ctx, &opts); err != nil {
		return nil, err
	}
	if err := s.pickImage(&opts); err != nil {
		return nil, err
	}
	if !opts.AssumeYes && !s.confirmDestruction(opts.Device) {
		return nil, fmt.Errorf("aborted by user")
	}
	passphrases, err := s.askPassphrases(opts.Features)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(s.cfg, s.run, s.log)
	rep, err := p.Run(ctx, pipeline.Request{
		DevicePath:  opts.Device,
		Features:    opts.Features,
		ISOPath:     opts.ISOPath,
		UtilitySrc:  opts.UtilitySrc,
		Passphrases: passphrases,
		Prepare:     opts.Prepare,
		Progress:    true,
	})
	s.printSummary(rep, err)
	return rep, err
}

func (s *Setup) banner() {
	color.Cyan("\n╔═══════════════════════════════════════╗")
	color.Cyan("║       Covert SD Card Provisioner      ║")
	color.Cyan("╚═══════════════════════════════════════╝\n")
	fmt.Println("This tool wipes a removable drive and rebuilds it with the")
	fmt.Println("selected layout: bootable live OS, encrypted persistence,")
	fmt.Println("an encrypted documents region and a plaintext utility area.")
	fmt.Println()
}

func (s *Setup) pickDrive(ctx context.Context, o *Options) error {
	if o.Device != "" {
		return nil
	}
	candidates, err := s.insp.ListCandidates(ctx)
	if err != nil {
		return fmt.Errorf("listing drives: %w", err)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no removable drives found; pass --drive to target a specific device")
	}
	options := make([]string, len(candidates))
	for i, d := range candidates {
		desc := d.Model
		if desc == "" {
			desc = d.Tran
		}
		options[i] = fmt.Sprintf("%s - %s (%.1f GiB)", d.Path, desc, float64(d.SizeBytes)/(1<<30))
	}
	var selected string
	prompt := &survey.Select{
		Message: "Select target drive:",
		Options: options,
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		return err
	}
	for i, opt := range options {
		if opt == selected {
			o.Device = candidates[i].Path
			break
		}
	}
	return nil
}

func (s *Setup) pickImage(o *Options) error {
	if !o.Features.InstallOS || o.ISOPath != "" {
		return nil
	}
	prompt := &survey.Input{Message: "Path to the OS image (.iso/.img):"}
	return survey.AskOne(prompt, &o.ISOPath, survey.WithValidator(func(v interface{}) error {
		path, _ := v.(string)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("cannot read %s", path)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
		return nil
	}))
}

func (s *Setup) confirmDestruction(device string) bool {
	color.Red("\n⚠️  WARNING: this will DESTROY ALL DATA on %s", device)

	confirm := false
	if err := survey.AskOne(&survey.Confirm{Message: "Do you want to continue?", Default: false}, &confirm); err != nil || !confirm {
		return false
	}
	typed := ""
	if err := survey.AskOne(&survey.Input{Message: "Type 'DESTROY' to confirm:"}, &typed); err != nil {
		return false
	}
	return typed == "DESTROY"
}

func (s *Setup) askPassphrases(req plan.FeatureRequest) (map[plan.Role][]byte, error) {
	out := map[plan.Role][]byte{}
	if req.Persistence {
		p, err := s.askPassphrase("persistence (LUKS)")
		if err != nil {
			return nil, err
		}
		out[plan.RolePersistence] = p
	}
	if req.Documents {
		p, err := s.askPassphrase("documents (VeraCrypt)")
		if err != nil {
			return nil, err
		}
		out[plan.RoleDocuments] = p
	}
	return out, nil
}

func (s *Setup) askPassphrase(what string) ([]byte, error) {
	for {
		var first, again string
		prompt := &survey.Password{Message: fmt.Sprintf("Passphrase for %s:", what)}
		if err := survey.AskOne(prompt, &first, survey.WithValidator(survey.MinLength(crypt.MinPassphraseLen))); err != nil {
			return nil, err
		}
		if err := survey.AskOne(&survey.Password{Message: "Confirm passphrase:"}, &again); err != nil {
			return nil, err
		}
		if first == again {
			return []byte(first), nil
		}
		color.Yellow("Passphrases do not match, try again.")
	}
}

func (s *Setup) printSummary(rep *pipeline.Report, err error) {
	if rep == nil {
		return
	}
	fmt.Println()
	if err == nil {
		color.Green("✓ Provisioning completed successfully")
	} else {
		color.Red("✗ Provisioning failed during %s: %v", rep.FailedStage, err)
		if rep.Destructive {
			color.Yellow("The drive was modified; re-run provisioning before using it.")
		} else {
			fmt.Println("The drive was not modified.")
		}
	}
	for _, line := range rep.StageStates() {
		fmt.Println("  " + line)
	}
	for _, reg := range rep.Regions {
		state := "ok"
		if !reg.OK {
			state = "failed"
		}
		fmt.Printf("  region %s (%s): %s\n", reg.Role, reg.Backend, state)
	}
	for _, wf := range rep.WorkFactors {
		switch wf.Backend {
		case crypt.BackendLUKS:
			fmt.Printf("  %s: %s/%s, iter-time %d ms\n", wf.Backend, wf.Cipher, wf.Hash, wf.IterTimeMS)
		case crypt.BackendVeraCrypt:
			fmt.Printf("  %s: %s/%s, PIM %d\n", wf.Backend, wf.Cipher, wf.Hash, wf.PIM)
		}
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/config"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/setup"
)

var (
	version = "1.0.0"
	commit  = "unknown"
)

type flags struct {
	all            bool
	kali           bool
	tails          bool
	docs           bool
	utility        bool
	iso            string
	drive          string
	fast           bool
	persistenceGiB uint64
	utilitySrc     string
	prepare        bool
	yes            bool
	debug          bool
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "covert-sd",
		Short: "Provision a removable drive with a live OS and encrypted regions",
		Long: `covert-sd wipes a removable drive and rebuilds it with the selected
layout: a bootable live OS, a LUKS-encrypted persistence partition, a
VeraCrypt-encrypted documents region and a small plaintext utility
partition.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	rootCmd.Flags().BoolVarP(&f.all, "all", "a", false, "everything: OS, persistence, documents and utility")
	rootCmd.Flags().BoolVarP(&f.kali, "kali", "k", false, "install Kali with encrypted persistence")
	rootCmd.Flags().BoolVar(&f.tails, "tails", false, "install Tails with encrypted persistence")
	rootCmd.Flags().BoolVarP(&f.docs, "docs", "d", false, "add an encrypted documents region")
	rootCmd.Flags().BoolVarP(&f.utility, "utility", "u", false, "add a plaintext utility partition")
	rootCmd.Flags().StringVarP(&f.iso, "iso", "i", "", "path to the OS image")
	rootCmd.Flags().StringVar(&f.drive, "drive", "", "target device (e.g. /dev/sdb); prompted when omitted")
	rootCmd.Flags().BoolVar(&f.fast, "fast", false, "reduced key-derivation work factor (weaker, faster)")
	rootCmd.Flags().Uint64Var(&f.persistenceGiB, "persistence-size", 0, "persistence size in GiB (default: computed from free space)")
	rootCmd.Flags().StringVar(&f.utilitySrc, "utility-src", "", "directory copied onto the utility partition")
	rootCmd.Flags().BoolVar(&f.prepare, "prepare", false, "unmount the target's partitions and disable its swap before validating")
	rootCmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "skip the destruction confirmation")
	rootCmd.Flags().BoolVar(&f.debug, "debug", false, "debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("covert-sd %s (commit: %s)\n", version, commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must be run as root")
	}

	req, err := featuresFromFlags(f)
	if err != nil {
		return err
	}

	cfg := config.FromEnv()
	cfg, err = config.Load("/etc/covert-sd/config.yaml", cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if f.debug {
		cfg.LogLevel = zerolog.DebugLevel
	}

	logFile, logPath, err := setup.OpenLogFile(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	log := zerolog.New(io.MultiWriter(console, logFile)).
		Level(cfg.LogLevel).With().Timestamp().Logger()
	log.Info().Str("logFile", logPath).Str("version", version).Msg("starting")

	_, err = setup.New(cfg, log).Run(ctx, setup.Options{
		Device:     f.drive,
		Features:   req,
		ISOPath:    f.iso,
		UtilitySrc: f.utilitySrc,
		Prepare:    f.prepare,
		AssumeYes:  f.yes,
	})
	return err
}

// featuresFromFlags folds the flag surface into the immutable feature
// selection. --all expands to Kali plus every optional region.
func featuresFromFlags(f flags) (plan.FeatureRequest, error) {
	if f.kali && f.tails {
		return plan.FeatureRequest{}, fmt.Errorf("--kali and --tails are mutually exclusive")
	}
	req := plan.FeatureRequest{
		Flavor:           plan.FlavorKali,
		FastMode:         f.fast,
		PersistenceBytes: f.persistenceGiB << 30,
	}
	if f.all {
		f.kali = !f.tails
		f.docs = true
		f.utility = true
	}
	switch {
	case f.tails:
		req.Flavor = plan.FlavorTails
		req.InstallOS = true
		req.Persistence = true
	case f.kali:
		req.InstallOS = true
		req.Persistence = true
	}
	req.Documents = f.docs
	req.Utility = f.utility
	if !req.InstallOS && !req.Documents && !req.Utility {
		return plan.FeatureRequest{}, fmt.Errorf("nothing selected; pass --all, --kali, --tails, --docs or --utility")
	}
	if req.InstallOS && f.iso == "" && f.yes {
		return plan.FeatureRequest{}, fmt.Errorf("--yes requires --iso when installing an OS")
	}
	return req, nil
}

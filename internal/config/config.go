package config

import (
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config carries the ambient settings of a provisioning run. Feature
// selection lives in plan.FeatureRequest; this is everything else.
type Config struct {
	LogLevel  zerolog.Level
	StateDir  string // lock markers and run reports
	LogDir    string // per-run log files
	MountBase string // scratch mountpoints while populating
	// OSMarginBytes is added on top of the ISO size when sizing the OS
	// partition.
	OSMarginBytes uint64
}

type fileConfig struct {
	Log         string `yaml:"log"`
	StateDir    string `yaml:"state_dir"`
	LogDir      string `yaml:"log_dir"`
	MountBase   string `yaml:"mount_base"`
	OSMarginMiB uint64 `yaml:"os_margin_mib"`
}

const defaultOSMarginBytes = 512 * 1024 * 1024

func Default() Config {
	return Config{
		LogLevel:      zerolog.InfoLevel,
		StateDir:      "/var/lib/covert-sd",
		LogDir:        ".",
		MountBase:     "/mnt/covert-sd",
		OSMarginBytes: defaultOSMarginBytes,
	}
}

// FromEnv builds a Config from defaults overlaid with environment
// variables (COVERT_LOG, COVERT_STATE_DIR, COVERT_LOG_DIR).
func FromEnv() Config {
	cfg := Default()
	if v := os.Getenv("COVERT_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	if v := os.Getenv("COVERT_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("COVERT_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	return cfg
}

// Load overlays cfg with values from a YAML defaults file. A missing
// file is not an error; a malformed one is.
func Load(path string, cfg Config) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return cfg, err
	}
	if fc.Log != "" {
		if l, err := zerolog.ParseLevel(fc.Log); err == nil {
			cfg.LogLevel = l
		}
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.LogDir != "" {
		cfg.LogDir = fc.LogDir
	}
	if fc.MountBase != "" {
		cfg.MountBase = fc.MountBase
	}
	if fc.OSMarginMiB > 0 {
		cfg.OSMarginBytes = fc.OSMarginMiB * 1024 * 1024
	}
	return cfg, nil
}

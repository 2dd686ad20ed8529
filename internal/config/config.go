// Package config loads the per-repository descriptor file read at startup:
// a flat struct loaded via a package-level Load function, built around
// spf13/viper per SPEC_FULL.md §6, since a single escale process manages
// many independently-configured repositories.
package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/utils"
)

// Repository is one entry of the repositories list, matching spec.md §6's
// "Configuration (per repository)" field list exactly.
type Repository struct {
	Name               string        `mapstructure:"name"`
	RelayURI           string        `mapstructure:"relay_uri"`
	Credentials        string        `mapstructure:"credentials"`
	LocalPath          string        `mapstructure:"local_path"`
	Pseudonym          string        `mapstructure:"pseudonym"`
	ConflictStrategy   string        `mapstructure:"conflict_strategy"`
	Passphrase         string        `mapstructure:"passphrase"`
	ScanInterval       time.Duration `mapstructure:"scan_interval"`
	RetentionHorizon   time.Duration `mapstructure:"retention_horizon"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	AccessDefaultRead  string        `mapstructure:"access_default_read"`
	AccessDefaultWrite string        `mapstructure:"access_default_write"`
}

// Config is the top-level descriptor: one process, many repositories.
type Config struct {
	Repositories []Repository `mapstructure:"repositories"`
}

// Load reads the descriptor at path (YAML, per SPEC_FULL.md §6) and
// validates every repository entry.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ESCALE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrConfig, path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errs.ErrConfig, path, err)
	}

	if len(cfg.Repositories) == 0 {
		return nil, fmt.Errorf("%w: %s declares no repositories", errs.ErrConfig, path)
	}

	seen := make(map[string]bool, len(cfg.Repositories))
	for i := range cfg.Repositories {
		if err := cfg.Repositories[i].validate(); err != nil {
			return nil, err
		}
		if seen[cfg.Repositories[i].Name] {
			return nil, fmt.Errorf("%w: duplicate repository name %q", errs.ErrConfig, cfg.Repositories[i].Name)
		}
		seen[cfg.Repositories[i].Name] = true
	}

	return &cfg, nil
}

func (r *Repository) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: repository entry missing name", errs.ErrConfig)
	}
	if r.RelayURI == "" {
		return fmt.Errorf("%w: repository %q missing relay_uri", errs.ErrConfig, r.Name)
	}
	if r.LocalPath == "" {
		return fmt.Errorf("%w: repository %q missing local_path", errs.ErrConfig, r.Name)
	}
	resolved, err := utils.ResolvePath(r.LocalPath)
	if err != nil {
		return fmt.Errorf("%w: repository %q local_path: %v", errs.ErrConfig, r.Name, err)
	}
	r.LocalPath = resolved
	if r.Pseudonym == "" {
		return fmt.Errorf("%w: repository %q missing pseudonym", errs.ErrConfig, r.Name)
	}
	switch r.ConflictStrategy {
	case "", "newer_wins", "pull_first", "reject":
	default:
		return fmt.Errorf("%w: repository %q has unknown conflict_strategy %q", errs.ErrConfig, r.Name, r.ConflictStrategy)
	}
	if r.ScanInterval <= 0 {
		r.ScanInterval = 30 * time.Second
	}
	if r.LockTTL <= 0 {
		r.LockTTL = 2 * time.Minute
	}
	return nil
}

// DecodeCredentials treats Credentials as base64-encoded opaque bearer
// material for the relay backend; most backends (S3, HTTP) accept an
// access-key-style token here.
func (r *Repository) DecodeCredentials() ([]byte, error) {
	if r.Credentials == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(r.Credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: repository %q credentials: %v", errs.ErrConfig, r.Name, err)
	}
	return raw, nil
}

// Package config holds the build configuration consumed (not defined) by
// the core engine (§6 EXTERNAL INTERFACES): worker count, keep-going
// policy, named resource pool capacities, and the storage/project roots.
package config

import (
	"fmt"
	"runtime"

	"github.com/kelseyhightower/envconfig"
)

// Config mirrors §6's "Build configuration (consumed, not defined by this
// core)". The embedding driver populates Pools and the path fields; Workers
// and StorageRoot may additionally be overridden by environment variables
// via Load, matching turborepo's TURBO_-prefixed envconfig.Process pattern.
type Config struct {
	// Workers is the fixed worker-pool size; defaults to runtime.NumCPU()
	// if left zero by the driver before calling Load.
	Workers int `envconfig:"WORKERS"`
	// KeepGoing, if false, stops scheduling new work after the first
	// command failure (§4.7).
	KeepGoing bool `envconfig:"-"`
	// StorageRoot is where CommandStorage keeps its log (§4.4).
	StorageRoot string `envconfig:"STORAGE_ROOT"`
	// ProjectRoot anchors path canonicalisation for fingerprints (§3).
	ProjectRoot string `envconfig:"-"`
	// Pools declares named resource pool capacities (§4.6); -1 means
	// unlimited. Populated by the driver, not by environment variables.
	Pools map[string]int `envconfig:"-"`
}

// envPrefix matches the "an override list for workers and storage_root"
// language in §6: only those two fields are environment-overridable,
// enforced by the `envconfig:"-"` tags above on everything else.
const envPrefix = "FORGE"

// Load starts from base (as populated by the driver) and applies FORGE_*
// environment overrides for Workers and StorageRoot (§6).
func Load(base Config) (Config, error) {
	cfg := base
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid environment variable: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

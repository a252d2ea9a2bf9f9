// Package qconfig loads boot configuration from a YAML file and layers
// cobra flag overrides on top, grounded on the yaml.Unmarshal pattern
// used for site-wide config in the pack (tinyrange-cc's ccapp site config).
package qconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend selects which internal/emulator.Factory construction a Config
// drives.
type Backend string

const (
	BackendDLL     Backend = "dll"
	BackendUnicorn Backend = "unicorn"
	BackendFake    Backend = "fake"
)

// Config is the full boot configuration: how many CPUs, how much RAM, what
// to boot or restore, which backend, and an optional script to attach.
type Config struct {
	NCPUs      uint16  `yaml:"ncpus"`
	RAMMB      uint    `yaml:"ram_mb"`
	Kernel     string  `yaml:"kernel"`
	Checkpoint string  `yaml:"checkpoint"`
	Backend    Backend `yaml:"backend"`
	Script     string  `yaml:"script"`
	Debug      bool    `yaml:"debug"`
}

// Default returns the baseline configuration a bare `qsim boot` without any
// file or flags would use.
func Default() Config {
	return Config{
		NCPUs:   1,
		RAMMB:   128,
		Backend: BackendDLL,
	}
}

// Load reads and parses a YAML config file, starting from Default() so
// unspecified fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("qconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("qconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a bootable or
// restorable Domain.
func (c Config) Validate() error {
	if c.NCPUs == 0 {
		return fmt.Errorf("qconfig: ncpus must be at least 1")
	}
	if c.Checkpoint == "" && c.Kernel == "" {
		return fmt.Errorf("qconfig: one of kernel or checkpoint is required")
	}
	switch c.Backend {
	case BackendDLL, BackendUnicorn, BackendFake:
	default:
		return fmt.Errorf("qconfig: unknown backend %q", c.Backend)
	}
	return nil
}

// Overrides captures the cobra flags a subcommand lets the operator set;
// each pointer is nil when its flag was not explicitly passed, so Apply can
// tell "flag set to zero value" apart from "flag untouched".
type Overrides struct {
	NCPUs      *uint16
	RAMMB      *uint
	Kernel     *string
	Checkpoint *string
	Backend    *string
	Script     *string
	Debug      *bool
}

// Apply layers non-nil overrides onto cfg, returning the merged result.
func (c Config) Apply(o Overrides) Config {
	if o.NCPUs != nil {
		c.NCPUs = *o.NCPUs
	}
	if o.RAMMB != nil {
		c.RAMMB = *o.RAMMB
	}
	if o.Kernel != nil {
		c.Kernel = *o.Kernel
	}
	if o.Checkpoint != nil {
		c.Checkpoint = *o.Checkpoint
	}
	if o.Backend != nil {
		c.Backend = Backend(*o.Backend)
	}
	if o.Script != nil {
		c.Script = *o.Script
	}
	if o.Debug != nil {
		c.Debug = *o.Debug
	}
	return c
}

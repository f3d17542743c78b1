// Package config loads the sync rules from a TOML file and the instance
// credentials from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "config.toml"

// validPolicies are the accepted conflict_resolution values.
var validPolicies = map[string]bool{
	"latest_timestamp": true,
	"cloud_wins":       true,
	"local_wins":       true,
	"manual":           true,
}

// SyncRules is the [sync_rules] table of the config file.
type SyncRules struct {
	// Doctypes lists the document types the sweeper reconciles.
	Doctypes []string `toml:"doctypes"`

	// ExcludeFields are excluded from content fingerprints and stripped
	// before transfer, in addition to the built-in system fields.
	ExcludeFields []string `toml:"exclude_fields"`

	// ConflictResolution selects the conflict policy. Defaults to
	// latest_timestamp.
	ConflictResolution string `toml:"conflict_resolution"`
}

// Config is the full parsed config file.
type Config struct {
	SyncRules SyncRules `toml:"sync_rules"`
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		SyncRules: SyncRules{
			ConflictResolution: "latest_timestamp",
		},
	}
}

// Load reads and parses a TOML config file and validates it. Unknown keys
// are fatal: a typo in a config file that is silently ignored is worse than
// an error at startup.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns the
// defaults so the engine can run without a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Validate checks semantic constraints the TOML decoder cannot express.
func Validate(cfg *Config) error {
	if cfg.SyncRules.ConflictResolution == "" {
		cfg.SyncRules.ConflictResolution = "latest_timestamp"
	}

	if !validPolicies[cfg.SyncRules.ConflictResolution] {
		return fmt.Errorf("invalid conflict_resolution %q (valid: latest_timestamp, cloud_wins, local_wins, manual)",
			cfg.SyncRules.ConflictResolution)
	}

	for _, doctype := range cfg.SyncRules.Doctypes {
		if strings.TrimSpace(doctype) == "" {
			return errors.New("sync_rules.doctypes contains an empty entry")
		}
	}

	return nil
}

// Package config loads Kestrel configuration from defaults, an optional YAML
// file and KESTREL_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// EnvPrefix prefixes every environment override.
	// KESTREL_SERVER_PORT maps to server.port.
	EnvPrefix = "KESTREL_"

	// EnvConfigFile names the YAML file to load.
	EnvConfigFile = EnvPrefix + "CONFIG"
)

// Load builds the configuration. path may be empty.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	// Load defaults
	if err := k.Load(structs.Provider(domain.DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Load from config file if given
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Override with environment variables
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps KESTREL_<SECTION>_<KEY> to section.key. Underscores after the
// section are dropped, so KESTREL_RULES_STRICT_CATEGORIES and
// KESTREL_RULES_STRICTCATEGORIES both set rules.strictcategories.
func envKey(s string) string {
	if s == EnvConfigFile {
		return ""
	}
	name := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(name, "_")
	if !ok {
		return name
	}
	return section + "." + strings.ReplaceAll(key, "_", "")
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Model.Trees <= 0 {
		return fmt.Errorf("model.trees must be positive, got %d", cfg.Model.Trees)
	}
	if cfg.Model.SampleSize < 0 {
		return fmt.Errorf("model.samplesize must not be negative, got %d", cfg.Model.SampleSize)
	}
	if cfg.Model.Contamination <= 0 || cfg.Model.Contamination > 0.5 {
		return fmt.Errorf("model.contamination must be in (0, 0.5], got %v", cfg.Model.Contamination)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}

	return nil
}

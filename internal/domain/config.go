package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Anomaly model and rule overlay
	Model ModelConfig `koanf:"model" json:"model"`
	Rules RulesConfig `koanf:"rules" json:"rules"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository" json:"repository"`
	Cache      CacheConfig      `koanf:"cache" json:"cache"`
	EventBus   EventBusConfig   `koanf:"eventbus" json:"eventBus"`
	Worker     WorkerConfig     `koanf:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `koanf:"logging" json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port"`
	ReadTimeout  int    `koanf:"readtimeout" json:"readTimeout"`  // seconds
	WriteTimeout int    `koanf:"writetimeout" json:"writeTimeout"` // seconds
}

// ModelConfig holds isolation forest settings.
type ModelConfig struct {
	Trees int `koanf:"trees" json:"trees"`

	// SampleSize per tree; 0 means min(256, baseline size).
	SampleSize int `koanf:"samplesize" json:"sampleSize"`

	// Contamination is the expected outlier fraction of the baseline, in (0, 0.5].
	Contamination float64 `koanf:"contamination" json:"contamination"`

	Seed uint64 `koanf:"seed" json:"seed"`
}

// RulesConfig holds rule overlay settings.
type RulesConfig struct {
	// StrictCategories routes locations and devices unseen in the baseline
	// through the same override as the literal UNKNOWN value.
	StrictCategories bool `koanf:"strictcategories" json:"strictCategories"`
}

// WorkerConfig holds async worker settings.
type WorkerConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format string `koanf:"format" json:"format"` // json, text
}

// DefaultConfig returns the default configuration: in-process cache and bus,
// SQLite manifest store, and the reference model settings.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Model: ModelConfig{
			Trees:         100,
			Contamination: 0.2,
			Seed:          42,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			TTL:          10 * time.Minute,
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

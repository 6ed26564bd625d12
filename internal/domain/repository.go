// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// ManifestStore records the model artifacts a process has built.
type ManifestStore interface {
	// SaveManifest stores a manifest. Saving an existing fingerprint is a no-op.
	SaveManifest(ctx context.Context, m *ModelManifest) error
	GetManifest(ctx context.Context, fingerprint string) (*ModelManifest, error)

	// ListManifests returns manifests newest first.
	ListManifests(ctx context.Context, limit int) ([]*ModelManifest, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "none", "sqlite" or "postgres"
	Driver string `koanf:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlitepath" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgreshost" json:"postgresHost"`
	PostgresPort     int    `koanf:"postgresport" json:"postgresPort"`
	PostgresUser     string `koanf:"postgresuser" json:"postgresUser"`
	PostgresPassword string `koanf:"postgrespassword" json:"-"`
	PostgresDB       string `koanf:"postgresdb" json:"postgresDB"`
	PostgresSSLMode  string `koanf:"postgressslmode" json:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"maxopenconns" json:"maxOpenConns"`
	MaxIdleConns    int           `koanf:"maxidleconns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `koanf:"connmaxlifetime" json:"connMaxLifetime"`
}

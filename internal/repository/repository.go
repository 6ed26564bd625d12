// Package repository persists model manifests.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultListLimit caps ListManifests when no limit is given.
const DefaultListLimit = 50

// SQLRepository implements domain.ManifestStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new manifest store based on configuration.
// The "none" driver returns a nil store.
func New(cfg domain.RepositoryConfig) (domain.ManifestStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "none", "":
		return nil, nil
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveManifest stores a manifest unless one with the same fingerprint exists.
func (r *SQLRepository) SaveManifest(ctx context.Context, m *domain.ModelManifest) error {
	if m == nil || m.Fingerprint == "" {
		return fmt.Errorf("%w: fingerprint is required", ErrInvalidInput)
	}

	columns, err := json.Marshal(m.Columns)
	if err != nil {
		return fmt.Errorf("failed to marshal columns: %w", err)
	}

	query := `
		INSERT INTO model_manifests (
			fingerprint, schema_version, columns, trees, sample_size,
			contamination, seed, threshold_offset, baseline_size, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		m.Fingerprint, m.SchemaVersion, string(columns),
		m.Trees, m.SampleSize, m.Contamination,
		strconv.FormatUint(m.Seed, 10), m.Offset,
		m.BaselineSize, m.CreatedAt.UTC(),
	)
	return err
}

// GetManifest retrieves a manifest by fingerprint.
func (r *SQLRepository) GetManifest(ctx context.Context, fingerprint string) (*domain.ModelManifest, error) {
	query := `
		SELECT fingerprint, schema_version, columns, trees, sample_size,
			   contamination, seed, threshold_offset, baseline_size, created_at
		FROM model_manifests
		WHERE fingerprint = ?
	`

	m, err := scanManifest(r.db.QueryRowContext(ctx, r.rebind(query), fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListManifests returns up to limit manifests, newest first.
func (r *SQLRepository) ListManifests(ctx context.Context, limit int) ([]*domain.ModelManifest, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT fingerprint, schema_version, columns, trees, sample_size,
			   contamination, seed, threshold_offset, baseline_size, created_at
		FROM model_manifests
		ORDER BY created_at DESC, fingerprint
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []*domain.ModelManifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}

	return manifests, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (*domain.ModelManifest, error) {
	var m domain.ModelManifest
	var columns, seed string

	err := row.Scan(
		&m.Fingerprint, &m.SchemaVersion, &columns,
		&m.Trees, &m.SampleSize, &m.Contamination,
		&seed, &m.Offset, &m.BaselineSize, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(columns), &m.Columns); err != nil {
		return nil, fmt.Errorf("corrupt columns for manifest %s: %w", m.Fingerprint, err)
	}
	if m.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt seed for manifest %s: %w", m.Fingerprint, err)
	}
	m.CreatedAt = m.CreatedAt.UTC()

	return &m, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

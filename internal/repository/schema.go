package repository

// Schema definitions for the Kestrel manifest store.
// Compatible with both SQLite and PostgreSQL.

const schemaModelManifests = `
CREATE TABLE IF NOT EXISTS model_manifests (
    fingerprint TEXT PRIMARY KEY,
    schema_version TEXT NOT NULL,
    columns TEXT NOT NULL,
    trees INTEGER NOT NULL,
    sample_size INTEGER NOT NULL,
    contamination DOUBLE PRECISION NOT NULL,
    seed TEXT NOT NULL,
    threshold_offset DOUBLE PRECISION NOT NULL,
    baseline_size INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

const indexModelManifestsCreated = `
CREATE INDEX IF NOT EXISTS idx_model_manifests_created ON model_manifests(created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaModelManifests,
		indexModelManifestsCreated,
	}
}

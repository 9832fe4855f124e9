package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openidx/loginrisk/internal/common/database"
	apperrors "github.com/openidx/loginrisk/internal/common/errors"
)

const artifactTableDDL = `
CREATE TABLE IF NOT EXISTS model_artifacts (
	version      UUID PRIMARY KEY,
	schema_name  TEXT NOT NULL,
	trained_at   TIMESTAMPTZ NOT NULL,
	artifact     JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_model_artifacts_schema ON model_artifacts (schema_name, created_at DESC);
`

// PostgresArtifactStore keeps every trained artifact as a row; Load returns
// the newest one for the schema. Old versions stay available for audit.
type PostgresArtifactStore struct {
	db *database.PostgresDB
}

// NewPostgresArtifactStore creates a new Postgres-backed artifact store
func NewPostgresArtifactStore(db *database.PostgresDB) *PostgresArtifactStore {
	return &PostgresArtifactStore{db: db}
}

// EnsureSchema creates the artifact table when missing
func (s *PostgresArtifactStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, artifactTableDDL); err != nil {
		return fmt.Errorf("failed to create model_artifacts: %w", err)
	}
	return nil
}

// Load returns the most recently saved artifact for schema
func (s *PostgresArtifactStore) Load(ctx context.Context, schema Schema) (*Artifact, error) {
	var (
		name string
		raw  []byte
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT schema_name, artifact FROM model_artifacts
		WHERE schema_name = $1
		ORDER BY created_at DESC, trained_at DESC
		LIMIT 1`, string(schema)).Scan(&name, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact %s: %w", schema, err)
	}

	stored, err := ParseSchema(name)
	if err != nil {
		return nil, apperrors.InvalidArtifact(err.Error())
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", schema, err)
	}
	if a.Schema != stored {
		return nil, apperrors.InvalidArtifact(fmt.Sprintf("row for %s holds schema %q", stored, a.Schema))
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Save inserts the artifact in a single statement
func (s *PostgresArtifactStore) Save(ctx context.Context, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO model_artifacts (version, schema_name, trained_at, artifact)
		VALUES ($1, $2, $3, $4)`,
		a.Version, string(a.Schema), a.TrainedAt, data)
	if err != nil {
		return fmt.Errorf("failed to save artifact %s: %w", a.Schema, err)
	}
	return nil
}

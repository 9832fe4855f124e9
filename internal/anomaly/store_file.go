package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileArtifactStore keeps one JSON artifact per schema in a directory
type FileArtifactStore struct {
	dir string
}

// NewFileArtifactStore creates the directory if needed
func NewFileArtifactStore(dir string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileArtifactStore{dir: dir}, nil
}

func (s *FileArtifactStore) path(schema Schema) string {
	return filepath.Join(s.dir, string(schema)+".json")
}

// Load reads and validates the artifact for schema
func (s *FileArtifactStore) Load(_ context.Context, schema Schema) (*Artifact, error) {
	data, err := os.ReadFile(s.path(schema))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", schema, err)
	}
	if a.Schema != schema {
		return nil, fmt.Errorf("artifact file for %s holds schema %q", schema, a.Schema)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Save writes to a temporary file in the same directory and renames it over
// the previous artifact, so readers never see a partial file
func (s *FileArtifactStore) Save(_ context.Context, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+string(a.Schema)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, s.path(a.Schema)); err != nil {
		return fmt.Errorf("failed to publish artifact: %w", err)
	}
	return nil
}

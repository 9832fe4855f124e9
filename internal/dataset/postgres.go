package dataset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openidx/loginrisk/internal/common/database"
	apperrors "github.com/openidx/loginrisk/internal/common/errors"
)

// PostgresSource reads the login log from a table. Only the candidate
// feature columns that exist in the table are selected.
type PostgresSource struct {
	db         *database.PostgresDB
	table      string
	candidates []string
}

// NewPostgresSource creates a source over table
func NewPostgresSource(db *database.PostgresDB, table string, candidates []string) *PostgresSource {
	return &PostgresSource{db: db, table: table, candidates: candidates}
}

// Describe implements Source
func (s *PostgresSource) Describe() string {
	return "postgres:" + s.table
}

// Load implements Source
func (s *PostgresSource) Load(ctx context.Context) (*Dataset, error) {
	present, err := s.existingColumns(ctx)
	if err != nil {
		return nil, apperrors.DatasetError("failed to inspect "+s.table, err)
	}
	if !present[ColumnLabel] {
		return nil, apperrors.DatasetError(fmt.Sprintf("table %s has no %s column", s.table, ColumnLabel), nil)
	}

	var features []string
	for _, c := range s.candidates {
		if present[c] {
			features = append(features, c)
		}
	}

	query := s.buildQuery(features, present[ColumnIdentity], present[ColumnTimestamp])
	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, apperrors.DatasetError("failed to query "+s.table, err)
	}
	defer rows.Close()

	ds := New()
	cols := make([][]float64, len(features))
	for rows.Next() {
		var (
			identity  *string
			timestamp *time.Time
			fraud     bool
		)
		values := make([]*float64, len(features))
		dest := []any{&identity, &timestamp, &fraud}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, apperrors.DatasetError("failed to scan "+s.table, err)
		}

		ds.Labels = append(ds.Labels, fraud)
		if identity != nil {
			ds.Identities = append(ds.Identities, *identity)
		} else {
			ds.Identities = append(ds.Identities, "")
		}
		if timestamp != nil {
			ds.Timestamps = append(ds.Timestamps, timestamp.UTC())
		} else {
			ds.Timestamps = append(ds.Timestamps, time.Time{})
		}
		for i, v := range values {
			if v == nil {
				return nil, apperrors.DatasetError(
					fmt.Sprintf("null %s in row %d of %s", features[i], ds.Rows(), s.table), nil)
			}
			cols[i] = append(cols[i], *v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatasetError("failed to read "+s.table, err)
	}

	if ds.Rows() > 0 {
		for i, name := range features {
			ds.Columns[name] = cols[i]
		}
	}
	return ds, nil
}

func (s *PostgresSource) existingColumns(ctx context.Context) (map[string]bool, error) {
	schema, table := "public", s.table
	if i := strings.IndexByte(s.table, '.'); i >= 0 {
		schema, table = s.table[:i], s.table[i+1:]
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`, schema, table)
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("table %s not found", s.table)
	}

	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	return present, nil
}

func (s *PostgresSource) buildQuery(features []string, hasIdentity, hasTimestamp bool) string {
	selects := make([]string, 0, len(features)+3)
	if hasIdentity {
		selects = append(selects, pgx.Identifier{ColumnIdentity}.Sanitize()+"::text")
	} else {
		selects = append(selects, "NULL::text")
	}
	if hasTimestamp {
		selects = append(selects, pgx.Identifier{ColumnTimestamp}.Sanitize()+"::timestamptz")
	} else {
		selects = append(selects, "NULL::timestamptz")
	}
	selects = append(selects, "("+pgx.Identifier{ColumnLabel}.Sanitize()+"::int <> 0)")
	for _, f := range features {
		selects = append(selects, pgx.Identifier{f}.Sanitize()+"::double precision")
	}

	table := pgx.Identifier(strings.Split(s.table, ".")).Sanitize()
	return "SELECT " + strings.Join(selects, ", ") + " FROM " + table
}

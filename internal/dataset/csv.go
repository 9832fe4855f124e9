package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// CSVSource reads a headered CSV login log. Columns whose values are not
// all finite numbers are dropped.
type CSVSource struct {
	path string
}

// NewCSVSource creates a source for the file at path
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

// Describe implements Source
func (s *CSVSource) Describe() string {
	return "csv:" + s.path
}

// Load implements Source
func (s *CSVSource) Load(ctx context.Context) (*Dataset, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, apperrors.DatasetError("failed to open "+s.path, err)
	}
	defer f.Close()

	ds, err := ReadCSV(ctx, f)
	if err != nil {
		return nil, apperrors.DatasetError("failed to read "+s.path, err)
	}
	return ds, nil
}

// ReadCSV parses a login log from r
func ReadCSV(ctx context.Context, r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	labelIdx := indexOf(header, ColumnLabel)
	if labelIdx < 0 {
		return nil, fmt.Errorf("missing %q column", ColumnLabel)
	}
	identityIdx := indexOf(header, ColumnIdentity)
	timestampIdx := indexOf(header, ColumnTimestamp)

	numeric := make(map[int][]float64)
	for i, name := range header {
		if i != labelIdx && i != identityIdx && i != timestampIdx && name != "" {
			numeric[i] = nil
		}
	}
	dropped := make(map[int]bool)

	ds := New()
	line := 1
	for {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		fraud, err := parseLabel(record[labelIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ds.Labels = append(ds.Labels, fraud)

		if identityIdx >= 0 {
			ds.Identities = append(ds.Identities, record[identityIdx])
		}
		if timestampIdx >= 0 {
			ds.Timestamps = append(ds.Timestamps, parseTimestamp(record[timestampIdx]))
		}

		for i, col := range numeric {
			if dropped[i] {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				dropped[i] = true
				numeric[i] = nil
				continue
			}
			numeric[i] = append(col, v)
		}
	}

	for i, col := range numeric {
		if !dropped[i] && len(col) == ds.Rows() && ds.Rows() > 0 {
			ds.Columns[header[i]] = col
		}
	}
	return ds, nil
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func parseLabel(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "1.0", "true", "yes":
		return true, nil
	case "0", "0.0", "false", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s value %q", ColumnLabel, raw)
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

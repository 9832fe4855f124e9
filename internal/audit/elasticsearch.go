package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/database"
	"github.com/openidx/loginrisk/internal/common/events"
	"github.com/openidx/loginrisk/internal/metrics"
)

// DocumentStore is the subset of the Elasticsearch client the sink needs
type DocumentStore interface {
	Index(ctx context.Context, index, docID string, body []byte) error
	Search(ctx context.Context, index string, query io.Reader) ([]byte, error)
	EnsureIndex(ctx context.Context, index, mapping string) error
}

// decisionIndexMapping defines the Elasticsearch mapping for risk records
const decisionIndexMapping = `{
	"mappings": {
		"properties": {
			"id":               { "type": "keyword" },
			"event_type":       { "type": "keyword" },
			"@timestamp":       { "type": "date" },
			"identity":         { "type": "keyword" },
			"decision":         { "type": "keyword" },
			"requires_step_up": { "type": "boolean" },
			"reasons":          { "type": "keyword" },
			"source_address":   { "type": "ip", "ignore_malformed": true },
			"trace_id":         { "type": "keyword" },
			"details":          { "type": "object", "enabled": true }
		}
	}
}`

// ElasticsearchSink indexes risk records for search and investigation
type ElasticsearchSink struct {
	store  DocumentStore
	index  string
	logger *zap.Logger
}

// NewElasticsearchSink creates a sink writing to index
func NewElasticsearchSink(store DocumentStore, index string, logger *zap.Logger) *ElasticsearchSink {
	return &ElasticsearchSink{
		store:  store,
		index:  index,
		logger: logger.With(zap.String("component", "audit_elasticsearch")),
	}
}

// Name implements Sink
func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

// Init creates the index with its mapping if needed
func (s *ElasticsearchSink) Init(ctx context.Context) error {
	if err := s.store.EnsureIndex(ctx, s.index, decisionIndexMapping); err != nil {
		return fmt.Errorf("failed to ensure index %s: %w", s.index, err)
	}
	s.logger.Info("Elasticsearch audit index ready", zap.String("index", s.index))
	return nil
}

// Handle implements Sink
func (s *ElasticsearchSink) Handle(ctx context.Context, e events.Event) error {
	body, err := NewRecord(e).JSON()
	if err == nil {
		err = s.store.Index(ctx, s.index, e.ID, body)
	}
	metrics.RecordAuditShipment(s.Name(), err)
	return err
}

// Recent returns the latest records about identity, newest first
func (s *ElasticsearchSink) Recent(ctx context.Context, identity string, size int) ([]Record, error) {
	if size <= 0 {
		size = 10
	}
	query := map[string]interface{}{
		"size": size,
		"sort": []interface{}{map[string]interface{}{"@timestamp": map[string]string{"order": "desc"}}},
		"query": map[string]interface{}{
			"term": map[string]interface{}{"identity": identity},
		},
	}
	q, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	raw, err := s.store.Search(ctx, s.index, bytes.NewReader(q))
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", s.index, err)
	}

	var resp database.EsSearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	records := make([]Record, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		var r Record
		if err := json.Unmarshal(hit.Source, &r); err != nil {
			s.logger.Warn("Skipping malformed audit record", zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

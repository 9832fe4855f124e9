package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/events"
)

func decisionEvent(identity, decision string) events.Event {
	return events.NewEvent(events.EventRiskDecision, "risk-engine", map[string]interface{}{
		"identity":         identity,
		"decision":         decision,
		"requires_step_up": decision == "Deny",
		"reasons":          []string{"anomaly_detected"},
		"source_address":   "192.0.2.10",
		"has_biometrics":   true,
	}).WithSubject(identity).WithTraceID("4bf92f3577b34da6a3ce929d0e0e4736")
}

// fakeDocumentStore records indexed documents
type fakeDocumentStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	mappings map[string]string
	indexErr error
	search   []byte
	query    []byte
}

func newFakeDocumentStore() *fakeDocumentStore {
	return &fakeDocumentStore{docs: map[string][]byte{}, mappings: map[string]string{}}
}

func (f *fakeDocumentStore) Index(_ context.Context, index, docID string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return f.indexErr
	}
	f.docs[index+"/"+docID] = body
	return nil
}

func (f *fakeDocumentStore) Search(_ context.Context, _ string, query io.Reader) ([]byte, error) {
	f.query, _ = io.ReadAll(query)
	return f.search, nil
}

func (f *fakeDocumentStore) EnsureIndex(_ context.Context, index, mapping string) error {
	f.mappings[index] = mapping
	return nil
}

// fakeWriter captures messages written to Kafka
type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestNewRecord(t *testing.T) {
	e := decisionEvent("alice", "Deny")
	r := NewRecord(e)

	assert.Equal(t, e.ID, r.ID)
	assert.Equal(t, "alice", r.Identity)
	assert.Equal(t, "Deny", r.Decision)
	assert.True(t, r.RequiresStepUp)
	assert.Equal(t, []string{"anomaly_detected"}, r.Reasons)
	assert.Equal(t, "192.0.2.10", r.SourceAddress)
	assert.Equal(t, map[string]interface{}{"has_biometrics": true}, r.Details)
}

func TestElasticsearchSink(t *testing.T) {
	ctx := context.Background()
	store := newFakeDocumentStore()
	sink := NewElasticsearchSink(store, "login-risk-decisions", zap.NewNop())

	require.NoError(t, sink.Init(ctx))
	assert.Contains(t, store.mappings["login-risk-decisions"], `"identity"`)

	e := decisionEvent("alice", "Allow")
	require.NoError(t, sink.Handle(ctx, e))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(store.docs["login-risk-decisions/"+e.ID], &doc))
	assert.Equal(t, "alice", doc["identity"])
	assert.Equal(t, "Allow", doc["decision"])
	assert.Contains(t, doc, "@timestamp")

	store.indexErr = errors.New("cluster red")
	assert.Error(t, sink.Handle(ctx, e))
}

func TestElasticsearchSink_Recent(t *testing.T) {
	store := newFakeDocumentStore()
	store.search = []byte(`{"hits":{"total":{"value":2},"hits":[
		{"_source":{"id":"2","identity":"alice","decision":"Deny","reasons":["rate_limited"]}},
		{"_source":{"id":"1","identity":"alice","decision":"Allow"}}]}}`)
	sink := NewElasticsearchSink(store, "idx", zap.NewNop())

	records, err := sink.Recent(context.Background(), "alice", 5)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Deny", records[0].Decision)
	assert.Equal(t, []string{"rate_limited"}, records[0].Reasons)

	var q map[string]interface{}
	require.NoError(t, json.Unmarshal(store.query, &q))
	assert.Equal(t, float64(5), q["size"])
}

func TestKafkaShipper_ShipsAndDrains(t *testing.T) {
	w := &fakeWriter{}
	shipper := newKafkaShipper(w, 16, zap.NewNop())
	shipper.Start()

	for _, id := range []string{"alice", "bob", "alice"} {
		require.NoError(t, shipper.Handle(context.Background(), decisionEvent(id, "Allow")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, shipper.Stop(ctx))

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 3)
	assert.Equal(t, "alice", string(w.msgs[0].Key))
	assert.Equal(t, "bob", string(w.msgs[1].Key))
	assert.True(t, w.closed)

	var r Record
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &r))
	assert.Equal(t, "bob", r.Identity)

	assert.Error(t, shipper.Handle(context.Background(), decisionEvent("carol", "Allow")))
}

func TestKafkaShipper_DropsOnBackpressure(t *testing.T) {
	shipper := newKafkaShipper(&fakeWriter{}, 1, zap.NewNop())

	require.NoError(t, shipper.Handle(context.Background(), decisionEvent("alice", "Allow")))
	assert.ErrorIs(t, shipper.Handle(context.Background(), decisionEvent("alice", "Allow")), ErrQueueFull)
}

func TestNewKafkaShipper_Validation(t *testing.T) {
	_, err := NewKafkaShipper(KafkaConfig{Topic: "t"}, zap.NewNop())
	assert.Error(t, err)
	_, err = NewKafkaShipper(KafkaConfig{Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.Error(t, err)

	s, err := NewKafkaShipper(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "login-risk-decisions"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "kafka", s.Name())
}

func TestAttach(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()
	store := newFakeDocumentStore()
	store.indexErr = errors.New("unavailable")
	failing := NewElasticsearchSink(store, "idx", zap.NewNop())
	w := &fakeWriter{}
	shipper := newKafkaShipper(w, 8, zap.NewNop())
	shipper.Start()

	subs := Attach(bus, zap.NewNop(), failing, shipper)
	assert.Len(t, subs, 2)

	require.NoError(t, bus.Publish(context.Background(), decisionEvent("alice", "Deny")),
		"sink failures never reach the publisher")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, shipper.Stop(ctx))
	assert.Len(t, w.msgs, 1)
}

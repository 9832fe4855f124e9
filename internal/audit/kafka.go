package audit

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/events"
	"github.com/openidx/loginrisk/internal/metrics"
)

// ErrQueueFull is returned when the shipper drops an event on backpressure
var ErrQueueFull = errors.New("kafka audit queue full")

// KafkaConfig configures the Kafka shipper
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	TLS           bool
	BatchSize     int
	FlushEvery    time.Duration
	QueueCapacity int
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
}

func (c *KafkaConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.BatchSize * 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// MessageWriter is implemented by *kafka.Writer
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaShipper queues records and writes them to a topic from a single
// goroutine. Messages are keyed by identity so one identity's decisions
// stay ordered within a partition.
type KafkaShipper struct {
	writer MessageWriter
	ch     chan kafka.Message
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewKafkaShipper creates a shipper backed by an async kafka.Writer
func NewKafkaShipper(cfg KafkaConfig, logger *zap.Logger) (*KafkaShipper, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	cfg.applyDefaults()

	tr := &kafka.Transport{DialTimeout: cfg.DialTimeout}
	if cfg.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Transport:              tr,
		AllowAutoTopicCreation: false,
		Async:                  true,
		BatchTimeout:           cfg.FlushEvery,
		BatchSize:              cfg.BatchSize,
		WriteTimeout:           cfg.WriteTimeout,
	}
	shipper := newKafkaShipper(w, cfg.QueueCapacity, logger)
	w.Completion = func(messages []kafka.Message, err error) {
		for range messages {
			metrics.RecordAuditShipment("kafka", err)
		}
		if err != nil {
			shipper.logger.Warn("Kafka batch write failed", zap.Int("messages", len(messages)), zap.Error(err))
		}
	}
	return shipper, nil
}

func newKafkaShipper(w MessageWriter, capacity int, logger *zap.Logger) *KafkaShipper {
	return &KafkaShipper{
		writer: w,
		ch:     make(chan kafka.Message, capacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "audit_kafka")),
	}
}

// Name implements Sink
func (s *KafkaShipper) Name() string { return "kafka" }

// Start launches the dispatch loop
func (s *KafkaShipper) Start() {
	go s.loop()
}

// Handle implements Sink. It never blocks: a full queue drops the event.
func (s *KafkaShipper) Handle(_ context.Context, e events.Event) error {
	body, err := NewRecord(e).JSON()
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(e.Subject), Value: body, Time: e.Timestamp}

	select {
	case <-s.stop:
		return errors.New("kafka shipper stopped")
	default:
	}

	select {
	case s.ch <- msg:
		return nil
	default:
		metrics.RecordAuditShipment(s.Name(), ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *KafkaShipper) loop() {
	defer close(s.done)
	for {
		select {
		case msg := <-s.ch:
			s.dispatch(msg)
		case <-s.stop:
			for {
				select {
				case msg := <-s.ch:
					s.dispatch(msg)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaShipper) dispatch(msg kafka.Message) {
	if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
		s.logger.Warn("Failed to write audit message", zap.ByteString("key", msg.Key), zap.Error(err))
	}
}

// Stop drains queued messages and closes the writer, flushing pending batches
func (s *KafkaShipper) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.stop) })

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("Kafka shipper drain interrupted", zap.Int("queued", len(s.ch)))
	}
	return s.writer.Close()
}

package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Toasterson/forge/pkg/metrics"
	"github.com/Toasterson/forge/pkg/tracing"
)

// Catalog event types emitted on the events topic
const (
	EventRequestOpened    = "change_request.opened"
	EventRequestClosed    = "change_request.closed"
	EventRequestApplied   = "change_request.applied"
	EventComponentAdded   = "component.added"
	EventComponentUpdated = "component.updated"
	EventComponentRemoved = "component.removed"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	requiredAcks := kafka.RequiredAcks(cfg.RequiredAcks)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           requiredAcks,
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// CatalogEvent announces a catalog or change request state change to
// downstream consumers (package repositories, notification bots, mirrors).
type CatalogEvent struct {
	EventType       string          `json:"event_type"`
	ChangeRequestID string          `json:"change_request_id"`
	GateName        string          `json:"gate_name,omitempty"`
	GateBranch      string          `json:"gate_branch,omitempty"`
	ComponentName   string          `json:"component_name,omitempty"`
	ComponentKey    string          `json:"component_key,omitempty"`
	Contributor     string          `json:"contributor,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// PublishCatalogEvent publishes a catalog event to Kafka, keyed by change
// request so per-request ordering survives partitioning.
func (p *Producer) PublishCatalogEvent(ctx context.Context, event *CatalogEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishCatalogEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.ChangeRequestID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "gate_name", Value: []byte(event.GateName)},
			{Key: "schema_version", Value: []byte("1.0")},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.RecordEventPublished(event.EventType, "error")
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish catalog event")
		return err
	}
	metrics.RecordEventPublished(event.EventType, "ok")

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type":        event.EventType,
		"change_request_id": event.ChangeRequestID,
		"component_name":    event.ComponentName,
	}).Debug("Published catalog event")

	return nil
}

// PublishCatalogEvents publishes multiple catalog events in a batch. Used by
// the apply engine, which emits one component event per applied change.
func (p *Producer) PublishCatalogEvents(ctx context.Context, events []*CatalogEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishCatalogEvents")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}

		messages[i] = kafka.Message{
			Topic: p.topic,
			Key:   []byte(event.ChangeRequestID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.EventType)},
				{Key: "gate_name", Value: []byte(event.GateName)},
				{Key: "schema_version", Value: []byte("1.0")},
			},
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		for _, event := range events {
			metrics.RecordEventPublished(event.EventType, "error")
		}
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(events),
		}).Error("Failed to publish catalog events batch")
		return err
	}
	for _, event := range events {
		metrics.RecordEventPublished(event.EventType, "ok")
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(events),
	}).Debug("Published catalog events batch")

	return nil
}

// Package kafkaaudit publishes audit entries to a Kafka topic.
package kafkaaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
}

// Exporter writes one message per entry, keyed by agent ID so that each
// agent's decisions stay ordered within a partition.
type Exporter struct {
	writer kafkaWriter
	topic  string
	logger *slog.Logger
}

// New validates cfg and builds a synchronous writer.
func New(cfg Config, logger *slog.Logger) (*Exporter, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Exporter{writer: w, topic: topic, logger: logger}, nil
}

// Append publishes entries as JSON values.
func (e *Exporter) Append(ctx context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for i := range entries {
		value, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("encode audit entry %s: %w", entries[i].ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(entries[i].AgentID),
			Value: value,
			Time:  entries[i].CreatedAt,
			Headers: []kafka.Header{
				{Key: "decision", Value: []byte(entries[i].Decision)},
			},
		})
	}
	if err := e.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish to %s: %w", e.topic, err)
	}
	return nil
}

// Name identifies the exporter.
func (e *Exporter) Name() string { return "kafka" }

// Close flushes pending messages and closes the writer.
func (e *Exporter) Close() error {
	if e == nil || e.writer == nil {
		return nil
	}
	return e.writer.Close()
}

// Compile-time interface verification.
var _ audit.Exporter = (*Exporter)(nil)

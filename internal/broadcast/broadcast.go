// Package broadcast turns persistence-layer change events into outbound
// notifications. The core only depends on the Publisher capability; delivery
// is best-effort and never fails the triggering write.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Publisher publishes one event payload to a channel key. Channel keys look
// like "execution_updates_project_<project_name>".
type Publisher interface {
	Publish(ctx context.Context, channelKey string, payload any) error
	Close() error
}

// ExecutionChannelKey derives the per-project channel key subscribers join.
func ExecutionChannelKey(projectName string) string {
	return "execution_updates_project_" + projectName
}

// Event is the envelope written to the broker. Type is "execution_update" or
// "batch_operation_update".
type Event struct {
	ID      uuid.UUID       `json:"id"`
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

type KafkaPublisherConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts is how many times a publish is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 5s if zero.
	WriteTimeout time.Duration
}

// KafkaPublisher writes events through a kafka-go Writer. The channel key is
// used as the message key so all events for one project land on the same
// partition and keep their order.
type KafkaPublisher struct {
	writer      *kafka.Writer
	maxAttempts int
	timeout     time.Duration
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaPublisher{
		writer:      w,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.WriteTimeout,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, channelKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	eventType := "execution_update"
	if t, ok := payload.(interface{ EventType() string }); ok {
		eventType = t.EventType()
	}
	event := Event{
		ID:      uuid.New(),
		Type:    eventType,
		Channel: channelKey,
		Payload: body,
		TS:      time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(channelKey),
			Value: value,
			Time:  event.TS,
		}
		ctxAttempt, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.writer.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NoopPublisher discards everything; used when no broker is configured and in
// tests that don't care about notifications.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, channelKey string, payload any) error { return nil }
func (NoopPublisher) Close() error                                                      { return nil }

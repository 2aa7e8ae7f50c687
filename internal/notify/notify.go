// Package notify delivers trust event notifications to organizations.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/events"
)

// KafkaConfig configures the Kafka notifier.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// MessageWriter is the subset of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON payload written for each notification.
type Message struct {
	Subject        string          `json:"subject"`
	Message        string          `json:"message"`
	Severity       events.Severity `json:"severity"`
	Recipients     []string        `json:"recipients"`
	EventType      string          `json:"event_type"`
	SourceOrg      string          `json:"source_org,omitempty"`
	TargetOrg      string          `json:"target_org,omitempty"`
	RelationshipID string          `json:"relationship_id,omitempty"`
	GroupID        string          `json:"group_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// KafkaNotifier publishes notifications to a Kafka topic, keyed by the
// first recipient so an organization's notifications stay ordered.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaNotifier creates a notifier backed by a kafka-go writer.
func NewKafkaNotifier(cfg KafkaConfig, logger *zap.Logger) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka notifier requires at least one broker")
	}
	if cfg.Topic == "" {
		cfg.Topic = "crisp.trust.notifications"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaNotifierWithWriter(writer, cfg.Topic, logger), nil
}

// NewKafkaNotifierWithWriter creates a notifier around an existing writer.
func NewKafkaNotifierWithWriter(w MessageWriter, topic string, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{writer: w, topic: topic, logger: logger}
}

// Send implements events.Notifier.
func (k *KafkaNotifier) Send(ctx context.Context, n events.Notification) error {
	payload := Message{
		Subject:        n.Subject,
		Message:        n.Message,
		Severity:       n.Severity,
		Recipients:     n.Recipients,
		EventType:      string(n.Event.Type),
		SourceOrg:      n.Event.SourceOrg,
		TargetOrg:      n.Event.TargetOrg,
		RelationshipID: n.Event.RelationshipID,
		GroupID:        n.Event.GroupID,
		CreatedAt:      n.CreatedAt,
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	key := n.Event.SourceOrg
	if len(n.Recipients) > 0 {
		key = n.Recipients[0]
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  payload.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(payload.EventType)},
			{Key: "severity", Value: []byte(payload.Severity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish notification to %s: %w", k.topic, err)
	}
	k.logger.Debug("notification published",
		zap.String("topic", k.topic),
		zap.String("event", payload.EventType),
		zap.Int("recipients", len(n.Recipients)),
	)
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// LogNotifier writes notifications to the log. It is the fallback when no
// broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send implements events.Notifier.
func (l *LogNotifier) Send(_ context.Context, n events.Notification) error {
	fields := []zap.Field{
		zap.String("subject", n.Subject),
		zap.String("severity", string(n.Severity)),
		zap.Strings("recipients", n.Recipients),
		zap.String("event", string(n.Event.Type)),
		zap.String("message", n.Message),
	}
	switch n.Severity {
	case events.SeverityCritical:
		l.logger.Error("notification", fields...)
	case events.SeverityWarning:
		l.logger.Warn("notification", fields...)
	default:
		l.logger.Info("notification", fields...)
	}
	return nil
}

// Multi fans a notification out to every notifier. All are attempted; the
// errors are joined.
type Multi []events.Notifier

// Send implements events.Notifier.
func (m Multi) Send(ctx context.Context, n events.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ events.Notifier = (*KafkaNotifier)(nil)
	_ events.Notifier = (*LogNotifier)(nil)
	_ events.Notifier = Multi(nil)
)

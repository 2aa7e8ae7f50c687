package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/witlox/crisp/internal/events"
	"github.com/witlox/crisp/pkg/models"
)

type memWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

func revoked() events.Notification {
	return events.Notification{
		Subject:    "Trust relationship revoked",
		Message:    "The trust relationship between org-a and org-b was revoked.",
		Severity:   events.SeverityWarning,
		Recipients: []string{"org-b", "org-a"},
		Event: events.Event{
			Type:           models.ActionRelationshipRevoked,
			SourceOrg:      "org-a",
			TargetOrg:      "org-b",
			RelationshipID: "rel-1",
		},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, ParseBrokers(" kafka-1:9092, ,kafka-2:9092 "))
	assert.Empty(t, ParseBrokers(""))
}

func TestKafkaNotifier(t *testing.T) {
	t.Run("requires brokers", func(t *testing.T) {
		_, err := NewKafkaNotifier(KafkaConfig{}, nil)
		assert.Error(t, err)
	})

	t.Run("publishes keyed json", func(t *testing.T) {
		w := &memWriter{}
		k := NewKafkaNotifierWithWriter(w, "notifications", zap.NewNop())
		require.NoError(t, k.Send(context.Background(), revoked()))
		require.Len(t, w.msgs, 1)

		msg := w.msgs[0]
		assert.Equal(t, "org-b", string(msg.Key))
		var payload Message
		require.NoError(t, json.Unmarshal(msg.Value, &payload))
		assert.Equal(t, "relationship_revoked", payload.EventType)
		assert.Equal(t, "rel-1", payload.RelationshipID)
		assert.Equal(t, events.SeverityWarning, payload.Severity)
		assert.Equal(t, []string{"org-b", "org-a"}, payload.Recipients)
		assert.Contains(t, msg.Headers, kafka.Header{Key: "severity", Value: []byte("warning")})

		require.NoError(t, k.Close())
		assert.True(t, w.closed)
	})

	t.Run("write failures are returned", func(t *testing.T) {
		k := NewKafkaNotifierWithWriter(&memWriter{err: errors.New("leader not available")}, "notifications", nil)
		assert.Error(t, k.Send(context.Background(), revoked()))
	})
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Send(context.Background(), revoked()))
	critical := revoked()
	critical.Severity = events.SeverityCritical
	require.NoError(t, n.Send(context.Background(), critical))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "Trust relationship revoked", entries[0].ContextMap()["subject"])
}

func TestMulti(t *testing.T) {
	ok := &memWriter{}
	failing := &memWriter{err: errors.New("broker down")}
	m := Multi{
		NewKafkaNotifierWithWriter(failing, "a", nil),
		NewKafkaNotifierWithWriter(ok, "b", nil),
	}
	err := m.Send(context.Background(), revoked())
	assert.Error(t, err)
	assert.Len(t, ok.msgs, 1)
}

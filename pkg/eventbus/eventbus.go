package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Subjects for dispatch telemetry. Offline analytics consume these; the
// hot path never depends on them.
const (
	SubjectWaveStarted      = "dispatch.wave.started"
	SubjectWaveEnded        = "dispatch.wave.ended"
	SubjectOrderAccepted    = "dispatch.order.accepted"
	SubjectOrderExhausted   = "dispatch.order.exhausted"
	SubjectOrderCompleted   = "dispatch.order.completed"
	SubjectOrderCancelled   = "dispatch.order.cancelled"
	SubjectZoneAdmitted     = "zone.admitted"
	SubjectZoneRejected     = "zone.rejected"
	SubjectRejectionLogged  = "dispatch.rejection.logged"
	SubjectDriverOnline     = "presence.driver.online"
	SubjectDriverOffline    = "presence.driver.offline"
)

// Event is the envelope for all events published through the bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates an event with a unique ID and current timestamp.
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Bus publishes events over NATS JetStream. A nil Bus is a no-op so the
// dispatch core runs without a broker in development.
type Bus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	source string
}

// Connect dials NATS and ensures the dispatch stream exists.
func Connect(url, source string) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     "DISPATCH",
		Subjects: []string{"dispatch.>", "zone.>", "presence.>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure dispatch stream: %w", err)
	}

	return &Bus{conn: conn, js: js, source: source}, nil
}

// Publish sends an event on subject. Errors are logged, not returned to the
// hot path; telemetry is eventually-consistent by contract.
func (b *Bus) Publish(ctx context.Context, subject string, data interface{}) {
	if b == nil {
		return
	}

	event, err := NewEvent(subject, b.source, data)
	if err != nil {
		logger.ErrorContext(ctx, "failed to build event", zap.String("subject", subject), zap.Error(err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		logger.ErrorContext(ctx, "failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}

	if _, err := b.js.PublishAsync(subject, payload); err != nil {
		logger.WarnContext(ctx, "failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains the connection.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		logger.Warn("failed to drain nats connection", zap.Error(err))
	}
}

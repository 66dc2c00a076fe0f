// Package eventsink forwards domain events from the in-process bus to an
// external broker so downstream services can react to chat and payment
// activity.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"paychat_backend/internal/events"
	"paychat_backend/platform/config"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

const (
	SinkNone  = ""
	SinkKafka = "kafka"
	SinkAMQP  = "amqp"
)

// Publisher writes one serialized envelope to a broker under key.
type Publisher interface {
	Publish(ctx context.Context, key string, body []byte) error
	Close() error
}

// Envelope is the broker representation of a domain event.
type Envelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds the publisher selected by EVENT_SINK. It returns nil when
// forwarding is disabled.
func New(ctx context.Context, cfg config.EventSinkConfig, log *logger.Logger) (Publisher, error) {
	switch cfg.GetEventSink() {
	case SinkNone:
		return nil, nil
	case SinkKafka:
		pub, err := NewKafkaPublisher(cfg.GetKafkaBrokers(), cfg.GetKafkaTopic())
		if err != nil {
			return nil, err
		}
		return pub, nil
	case SinkAMQP:
		pub, err := DialAMQP(ctx, cfg.GetAMQPURL(), cfg.GetAMQPExchange(), log)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}
	return nil, fmt.Errorf("unknown event sink %q", cfg.GetEventSink())
}

// Forwarder subscribes to every engine event and hands it to a Publisher.
type Forwarder struct {
	pub Publisher
	log *logger.Logger
}

// NewForwarder creates a forwarder.
func NewForwarder(pub Publisher, log *logger.Logger) *Forwarder {
	return &Forwarder{pub: pub, log: log}
}

// Attach subscribes the forwarder to every event the engine publishes.
func (f *Forwarder) Attach(bus events.Bus) {
	for _, name := range events.Names() {
		bus.Subscribe(name, f)
	}
}

// Handle implements events.Handler.
func (f *Forwarder) Handle(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.EventName(), err)
	}
	body, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Name:       event.EventName(),
		OccurredAt: event.OccurredAt().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := f.pub.Publish(ctx, event.EventName(), body); err != nil {
		f.log.Warn("event forward failed",
			slog.String("event", event.EventName()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

package eventsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paychat_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const (
	amqpDialAttempts = 5
	amqpBaseDelay    = 500 * time.Millisecond
	amqpMaxDelay     = 30 * time.Second
)

// AMQPPublisher publishes envelopes to a topic exchange with the event name
// as routing key.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *logger.Logger
}

// DialAMQP connects with exponential backoff and declares the exchange.
func DialAMQP(ctx context.Context, url, exchange string, log *logger.Logger) (*AMQPPublisher, error) {
	if url == "" {
		return nil, errors.New("amqp url not configured")
	}
	conn, err := dialWithRetry(ctx, url, log)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, exchange: exchange, log: log}, nil
}

func dialWithRetry(ctx context.Context, url string, log *logger.Logger) (*amqp091.Connection, error) {
	var lastErr error
	delay := amqpBaseDelay
	for attempt := 1; attempt <= amqpDialAttempts; attempt++ {
		conn, err := amqp091.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn("amqp dial failed",
			slog.Int("attempt", attempt),
			slog.Duration("sleep", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, amqpMaxDelay)
	}
	return nil, fmt.Errorf("connect to amqp after %d attempts: %w", amqpDialAttempts, lastErr)
}

// Publish sends one persistent message on a short-lived channel.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, body []byte) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close closes the connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

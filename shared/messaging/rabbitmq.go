package messaging

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and routing keys for pipeline event fan-out. Internal
// consumers (dashboards, alerting) bind their own queues; the pipeline
// only publishes.
const (
	EventsExchange = "streams.events"

	DeliverySucceededKey = "delivery.delivered"
	DeliveryFailedKey    = "delivery.failed"
	ReorgKey             = "chain.reorg"
)

// RabbitMQ wraps an AMQP connection used for publish-only fan-out.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitMQ connects and declares the events exchange.
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQ{conn: conn, channel: ch}, nil
}

// Publish sends one persistent JSON message to the events exchange.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	err := r.channel.PublishWithContext(
		ctx,
		EventsExchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes channel and connection.
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

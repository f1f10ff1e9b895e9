package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/messaging"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// declareExchange declares the topic exchange every route is bound to
func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// toPublishing converts msg into an AMQP publishing carrying the correlation headers
func toPublishing(msg messaging.Message) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Type:          string(msg.Type),
		Timestamp:     msg.Timestamp,
		DeliveryMode:  amqp.Transient,
	}, nil
}

// Publish sends msg with route as the routing key
func (p *Publisher) Publish(ctx context.Context, route string, msg messaging.Message) error {
	publishing, err := toPublishing(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		route,
		false, // mandatory
		false, // immediate
		publishing,
	)
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Debug("published message",
		zap.String("routing_key", route),
		zap.String("type", string(msg.Type)),
		zap.String("meter_number", msg.MeterNumber),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

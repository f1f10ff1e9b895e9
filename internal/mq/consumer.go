package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/messaging"
)

// Consumer handles message consumption from RabbitMQ
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	routingKey    string
	prefetchCount int
	logger        *zap.Logger
	handler       messaging.Handler
}

// ConsumerConfig holds consumer configuration.
// An empty Queue declares a private, server-named queue that receives every message on RoutingKey.
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       messaging.Handler
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.Qos(cfg.PrefetchCount, 0, false)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	queueName, err := declareQueue(ch, cfg)
	if err != nil {
		ch.Close()
		return nil, err
	}

	err = ch.QueueBind(
		queueName,
		cfg.RoutingKey,
		cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		channel:       ch,
		queue:         queueName,
		routingKey:    cfg.RoutingKey,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger,
		handler:       cfg.Handler,
	}, nil
}

func declareQueue(ch *amqp.Channel, cfg ConsumerConfig) (string, error) {
	if cfg.Queue == "" {
		q, err := ch.QueueDeclare(
			"",
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return "", fmt.Errorf("failed to declare private queue: %w", err)
		}
		return q.Name, nil
	}

	var args amqp.Table
	if cfg.DLQQueue != "" {
		_, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil)
		if err != nil {
			return "", fmt.Errorf("failed to declare DLQ: %w", err)
		}
		args = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": cfg.DLQQueue,
		}
	}

	_, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	return cfg.Queue, nil
}

// Start starts consuming messages until ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.String("routing_key", c.routingKey),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping", zap.String("queue", c.queue))
				c.channel.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed", zap.String("queue", c.queue))
					return
				}
				c.processMessage(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) processMessage(ctx context.Context, delivery amqp.Delivery) {
	if !c.handle(ctx, delivery.RoutingKey, delivery.Body) {
		// requeue=false routes the delivery to the DLQ when one is bound
		if err := delivery.Nack(false, false); err != nil {
			c.logger.Error("failed to NACK message", zap.Error(err))
		}
		return
	}
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ACK message", zap.Error(err))
	}
}

// handle decodes body and runs the handler; false means the delivery is rejected
func (c *Consumer) handle(ctx context.Context, routingKey string, body []byte) bool {
	var msg messaging.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message",
			zap.Error(err),
			zap.String("routing_key", routingKey),
		)
		return false
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("failed to process message",
			zap.Error(err),
			zap.String("routing_key", routingKey),
			zap.String("type", string(msg.Type)),
		)
		return false
	}
	return true
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel.Close()
	}
	return nil
}

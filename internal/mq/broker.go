package mq

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/messaging"
)

// BrokerConfig holds the RabbitMQ topology shared by the tracker and the worker
type BrokerConfig struct {
	Exchange      string
	DLQQueue      string
	PrefetchCount int
}

// Broker implements messaging.Broker on RabbitMQ
type Broker struct {
	conn      *Connection
	publisher *Publisher
	cfg       BrokerConfig
	logger    *zap.Logger

	mu        sync.Mutex
	consumers []*Consumer
}

// NewBroker creates the publisher and closes every consumer on stop
func NewBroker(lc fx.Lifecycle, conn *Connection, cfg BrokerConfig, logger *zap.Logger) (*Broker, error) {
	publisher, err := NewPublisher(conn, cfg.Exchange, logger)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		conn:      conn,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return b.Close()
		},
	})

	return b, nil
}

func (b *Broker) Publish(ctx context.Context, route string, msg messaging.Message) error {
	return b.publisher.Publish(ctx, route, msg)
}

// Subscribe declares a queue for route: a durable dead-lettered queue named after
// group, or a private exclusive queue when group is empty
func (b *Broker) Subscribe(ctx context.Context, route, group string, handler messaging.Handler) error {
	dlq := ""
	if group != "" {
		dlq = b.cfg.DLQQueue
	}

	consumer, err := NewConsumer(ConsumerConfig{
		Connection:    b.conn,
		Queue:         group,
		DLQQueue:      dlq,
		Exchange:      b.cfg.Exchange,
		RoutingKey:    route,
		PrefetchCount: b.cfg.PrefetchCount,
		Logger:        b.logger,
		Handler:       handler,
	})
	if err != nil {
		return err
	}

	if err := consumer.Start(ctx); err != nil {
		consumer.Close()
		return err
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, consumer)
	b.mu.Unlock()
	return nil
}

// Close closes every consumer and the publisher
func (b *Broker) Close() error {
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

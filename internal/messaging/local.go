package messaging

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const localBufferSize = 64

type localSubscriber struct {
	group   string
	inbox   chan Message
	handler Handler
}

// LocalBroker delivers messages between goroutines of one process.
// Each subscriber processes its messages in order on its own goroutine.
type LocalBroker struct {
	logger *zap.Logger

	mu     sync.Mutex
	routes map[string][]*localSubscriber
	next   map[string]int
}

// NewLocalBroker creates an in-process broker
func NewLocalBroker(logger *zap.Logger) *LocalBroker {
	return &LocalBroker{
		logger: logger,
		routes: make(map[string][]*localSubscriber),
		next:   make(map[string]int),
	}
}

func (b *LocalBroker) Subscribe(ctx context.Context, route, group string, handler Handler) error {
	sub := &localSubscriber{
		group:   group,
		inbox:   make(chan Message, localBufferSize),
		handler: handler,
	}

	b.mu.Lock()
	b.routes[route] = append(b.routes[route], sub)
	b.mu.Unlock()

	go func() {
		defer b.remove(route, sub)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.inbox:
				if err := sub.handler(ctx, msg); err != nil {
					b.logger.Error("failed to process message",
						zap.Error(err),
						zap.String("route", route),
						zap.String("type", string(msg.Type)),
					)
				}
			}
		}
	}()

	return nil
}

func (b *LocalBroker) remove(route string, sub *localSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.routes[route]
	for i, s := range subs {
		if s == sub {
			b.routes[route] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.routes[route]) == 0 {
		delete(b.routes, route)
	}
}

// targets picks every private subscriber plus one member per group, round robin
func (b *LocalBroker) targets(route string) []*localSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*localSubscriber
	groups := make(map[string][]*localSubscriber)
	var order []string
	for _, s := range b.routes[route] {
		if s.group == "" {
			out = append(out, s)
			continue
		}
		if _, seen := groups[s.group]; !seen {
			order = append(order, s.group)
		}
		groups[s.group] = append(groups[s.group], s)
	}
	for _, g := range order {
		key := route + "/" + g
		members := groups[g]
		out = append(out, members[b.next[key]%len(members)])
		b.next[key]++
	}
	return out
}

func (b *LocalBroker) Publish(ctx context.Context, route string, msg Message) error {
	for _, sub := range b.targets(route) {
		select {
		case sub.inbox <- msg:
		case <-ctx.Done():
			return fmt.Errorf("failed to publish %s to %s: %w", msg.Type, route, ctx.Err())
		}
	}
	return nil
}

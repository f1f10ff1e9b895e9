package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRequestTimeout is returned when no response arrives before the deadline
var ErrRequestTimeout = errors.New("request timed out")

// Requester correlates responses with outstanding requests over a private reply route
type Requester struct {
	broker     Broker
	replyRoute string
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]chan Message
}

// NewRequester subscribes to a fresh reply route; it stops receiving when ctx is done
func NewRequester(ctx context.Context, broker Broker, logger *zap.Logger) (*Requester, error) {
	r := &Requester{
		broker:     broker,
		replyRoute: ReplyRoute(uuid.NewString()),
		logger:     logger,
		pending:    make(map[string]chan Message),
	}

	if err := broker.Subscribe(ctx, r.replyRoute, "", r.handleReply); err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply route: %w", err)
	}
	return r, nil
}

func (r *Requester) handleReply(_ context.Context, msg Message) error {
	r.mu.Lock()
	ch, ok := r.pending[msg.CorrelationID]
	if ok {
		delete(r.pending, msg.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		// late or duplicate answer; the first response already won
		r.logger.Debug("dropping uncorrelated reply", zap.String("correlation_id", msg.CorrelationID))
		return nil
	}
	ch <- msg
	return nil
}

// Request publishes msg on route and waits for the first correlated reply
func (r *Requester) Request(ctx context.Context, route string, msg Message, timeout time.Duration) (Message, error) {
	msg.CorrelationID = uuid.NewString()
	msg.ReplyTo = r.replyRoute

	ch := make(chan Message, 1)
	r.mu.Lock()
	r.pending[msg.CorrelationID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, msg.CorrelationID)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.broker.Publish(ctx, route, msg); err != nil {
		return Message{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout)
		}
		return Message{}, ctx.Err()
	}
}

// Reply answers req on its reply route
func Reply(ctx context.Context, broker Broker, req Message, resp Message) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("message %s has no reply route", req.ID)
	}
	resp.CorrelationID = req.CorrelationID
	return broker.Publish(ctx, req.ReplyTo, resp)
}

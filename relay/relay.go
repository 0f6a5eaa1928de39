// Package relay carries envelopes from sessions and recording jobs up to the
// transport: an in-process fan-out queue, a Redis pub/sub publisher and a
// combinator that feeds several publishers at once.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/telemetry"
)

// Publisher accepts envelopes destined for one client.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env event.Envelope) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, env event.Envelope) error { return f(ctx, env) }

// Subscription is an active envelope stream for one client id, or for all
// clients when created with an empty id.
type Subscription interface {
	Events() <-chan event.Envelope
	Close()
}

// MemoryQueue fans envelopes out to in-process subscribers. Slow subscribers
// lose envelopes rather than stall the session dispatch loop.
type MemoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

// NewMemoryQueue returns a queue whose subscriptions buffer up to buffer
// envelopes each.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{subs: make(map[*memorySubscription]struct{}), buffer: buffer}
}

// Publish delivers env to every matching subscriber without blocking.
func (q *MemoryQueue) Publish(ctx context.Context, env event.Envelope) error {
	if env.Kind == "" {
		return errors.New("relay: envelope kind is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		if sub.clientID != "" && sub.clientID != env.ClientID {
			continue
		}
		select {
		case sub.ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		default:
			telemetry.IncPublishFailure("memory")
		}
	}
	return nil
}

// Subscribe registers a subscriber. An empty clientID receives everything.
func (q *MemoryQueue) Subscribe(clientID string) Subscription {
	sub := &memorySubscription{queue: q, clientID: clientID, ch: make(chan event.Envelope, q.buffer)}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

// Subscribers reports the number of open subscriptions.
func (q *MemoryQueue) Subscribers() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.subs)
}

type memorySubscription struct {
	once     sync.Once
	queue    *MemoryQueue
	clientID string
	ch       chan event.Envelope
}

func (s *memorySubscription) Events() <-chan event.Envelope { return s.ch }

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}

// Multi publishes to every member. A failing member is logged and does not
// stop delivery to the rest; the first error is returned.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, env event.Envelope) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, env); err != nil {
			slog.Warn("relay publish failed", slog.String("component", "relay"), slog.String("client_id", env.ClientID), slog.String("kind", string(env.Kind)), slog.Any("err", err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

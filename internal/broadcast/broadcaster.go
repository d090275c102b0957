// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBuffer is the per-subscriber channel capacity. A
	// subscriber whose buffer is full loses events rather than
	// backpressuring publishers.
	subscriberBuffer = 64

	// keepaliveInterval is how long a subscriber may go without any
	// delivery before a keepalive message is sent.
	keepaliveInterval = 30 * time.Second

	// livenessTimeout evicts subscribers that have shown no sign of
	// life (no Touch) for this long.
	livenessTimeout = 90 * time.Second

	// sweepInterval is how often the heartbeat loop runs.
	sweepInterval = 5 * time.Second
)

// Subscriber is one registered event consumer. Events arrive on C;
// the channel is closed when the subscriber is removed.
type Subscriber struct {
	id string
	ch chan Event

	dropped atomic.Int64

	mu           sync.Mutex
	lastDelivery time.Time
	lastSeen     time.Time

	closeOnce sync.Once
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the receive channel. It is closed on unsubscribe or
// liveness eviction; consumers must handle the closed case.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Dropped returns the number of events lost to buffer overflow.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Touch records evidence that the consumer is alive. Transports call
// this on pong receipt.
func (s *Subscriber) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Broadcaster fans events out to all subscribers. Publishing never
// blocks: a slow subscriber's events are dropped and counted.
type Broadcaster struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	onDrop func() // optional metrics hook

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithDropHook registers a callback invoked once per dropped event.
func WithDropHook(fn func()) Option {
	return func(b *Broadcaster) { b.onDrop = fn }
}

// New creates a broadcaster and starts its heartbeat loop.
func New(logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		logger:      logger.With("component", "broadcast"),
		subscribers: make(map[string]*Subscriber),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a new consumer.
func (b *Broadcaster) Subscribe() *Subscriber {
	now := time.Now()
	sub := &Subscriber{
		id:           uuid.NewString(),
		ch:           make(chan Event, subscriberBuffer),
		lastDelivery: now,
		lastSeen:     now,
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "subscriber_id", sub.id, "total", count)
	return sub
}

// Unsubscribe removes a consumer and closes its channel. Calling it
// twice, or after a liveness eviction, is harmless.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	_, present := b.subscribers[sub.id]
	delete(b.subscribers, sub.id)
	count := len(b.subscribers)
	b.mu.Unlock()

	sub.close()
	if present {
		b.logger.Debug("subscriber removed", "subscriber_id", sub.id, "total", count)
	}
}

// Publish delivers an event to every subscriber. Full buffers drop
// the event for that subscriber only.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			sub.mu.Lock()
			sub.lastDelivery = now
			sub.mu.Unlock()
		default:
			n := sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			if n == 1 || n%100 == 0 {
				b.logger.Warn("subscriber buffer full, dropping event",
					"subscriber_id", sub.id,
					"event_type", ev.EventType(),
					"dropped_total", n)
			}
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops the heartbeat loop and removes all subscribers.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// heartbeatLoop sends keepalives to idle subscribers and evicts dead
// ones.
func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweep(time.Now())
		}
	}
}

func (b *Broadcaster) sweep(now time.Time) {
	var dead []*Subscriber
	ka := &Keepalive{Type: EventKeepalive, Timestamp: now}

	// Keepalives are sent under the read lock, like Publish: Unsubscribe
	// closes a channel only after removing the subscriber under the
	// write lock, so a channel held here cannot close mid-send.
	b.mu.RLock()
	for _, sub := range b.subscribers {
		sub.mu.Lock()
		sinceDelivery := now.Sub(sub.lastDelivery)
		sinceSeen := now.Sub(sub.lastSeen)
		sub.mu.Unlock()

		if sinceSeen > livenessTimeout {
			dead = append(dead, sub)
			continue
		}
		if sinceDelivery > keepaliveInterval {
			select {
			case sub.ch <- ka:
				sub.mu.Lock()
				sub.lastDelivery = now
				sub.mu.Unlock()
			default:
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range dead {
		b.logger.Info("evicting unresponsive subscriber", "subscriber_id", sub.id)
		b.Unsubscribe(sub)
	}
}

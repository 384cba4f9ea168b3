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

// Package memory provides an in-process broker for single-node deployments
// and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/runrelay/internal/controller/broker"
)

var (
	_ broker.Broker  = (*Broker)(nil)
	_ broker.History = (*Broker)(nil)
)

const (
	// DefaultBuffer is the per-subscription buffer when none is configured.
	DefaultBuffer = 256

	// DefaultHistoryTTL is how long a topic's history survives without an
	// append when no TTL is configured.
	DefaultHistoryTTL = 10 * time.Minute
)

// Broker fans messages out to in-process subscribers.
type Broker struct {
	buffer     int
	historyTTL time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	topics    map[string]map[*broker.Sub]struct{}
	history   map[string]*topicHistory
	lastSweep time.Time
	closed    bool

	publishes int
}

type topicHistory struct {
	entries  [][]byte
	appended time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistoryTTL expires a topic's history once it has gone ttl without an
// append.
func WithHistoryTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		if ttl > 0 {
			b.historyTTL = ttl
		}
	}
}

// WithClock overrides the time source used for history expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a broker whose subscriptions buffer up to buffer messages.
func New(buffer int, opts ...Option) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b := &Broker{
		buffer:     buffer,
		historyTTL: DefaultHistoryTTL,
		now:        time.Now,
		topics:     make(map[string]map[*broker.Sub]struct{}),
		history:    make(map[string]*topicHistory),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastSweep = b.now()
	return b
}

// Publish delivers payload to every subscriber of topic.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := append([]byte(nil), payload...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	b.publishes++
	subs := make([]*broker.Sub, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Deliver(msg)
	}
	return nil
}

// Subscribe registers a subscription to topic.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.Subscription, error) {
	var sub *broker.Sub
	sub = broker.NewSubscription(b.buffer, func() { b.remove(topic, sub) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*broker.Sub]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	sub.CloseOnDone(ctx)
	return sub, nil
}

func (b *Broker) remove(topic string, sub *broker.Sub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Append records payload in the topic history and refreshes its expiry.
// Histories that have expired are dropped, at most once per half TTL.
func (b *Broker) Append(ctx context.Context, topic string, payload []byte, limit int) error {
	if limit <= 0 {
		return nil
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.lastSweep) >= b.historyTTL/2 {
		b.sweepLocked(now)
	}
	h := b.history[topic]
	if h == nil || b.expired(h, now) {
		h = &topicHistory{}
		b.history[topic] = h
	}
	h.entries = append(h.entries, append([]byte(nil), payload...))
	if len(h.entries) > limit {
		h.entries = h.entries[len(h.entries)-limit:]
	}
	h.appended = now
	return nil
}

// Recent returns the topic history, oldest first. Expired history reads as
// empty.
func (b *Broker) Recent(ctx context.Context, topic string) ([][]byte, error) {
	now := b.now()

	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history[topic]
	if h == nil || b.expired(h, now) {
		return [][]byte{}, nil
	}
	out := make([][]byte, len(h.entries))
	copy(out, h.entries)
	return out, nil
}

// HistoryTopics returns the number of topics holding history.
func (b *Broker) HistoryTopics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

func (b *Broker) expired(h *topicHistory, now time.Time) bool {
	return now.Sub(h.appended) >= b.historyTTL
}

func (b *Broker) sweepLocked(now time.Time) {
	for topic, h := range b.history {
		if b.expired(h, now) {
			delete(b.history, topic)
		}
	}
	b.lastSweep = now
}

// Subscribers returns the number of live subscriptions to topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Publishes returns the number of Publish calls accepted so far.
func (b *Broker) Publishes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.publishes
}

// Close ends every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*broker.Sub
	for _, set := range b.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Fail(broker.ErrClosed)
	}
	return nil
}

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

// Package redis provides a broker backed by Redis pub/sub so that events
// published by one process reach subscribers in every other process.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tombee/runrelay/internal/controller/broker"
	"github.com/tombee/runrelay/internal/log"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

var (
	_ broker.Broker  = (*Broker)(nil)
	_ broker.History = (*Broker)(nil)
)

// Config contains Redis broker settings.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Prefix is prepended to every channel and history key.
	Prefix string

	// Buffer is the per-subscription delivery buffer.
	Buffer int

	// HistoryTTL expires history lists that stop receiving appends.
	HistoryTTL time.Duration
}

// Broker publishes to Redis channels and relays them to local subscribers.
type Broker struct {
	client goredis.UniversalClient
	owned  bool
	prefix string
	buffer int
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*broker.Sub]*goredis.PubSub
	closed bool
}

// New connects to Redis and verifies the connection.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := NewWithClient(client, cfg, logger)
	b.owned = true
	return b, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client goredis.UniversalClient, cfg Config, logger *slog.Logger) *Broker {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Broker{
		client: client,
		prefix: cfg.Prefix,
		buffer: cfg.Buffer,
		ttl:    cfg.HistoryTTL,
		logger: log.WithComponent(log.OrDefault(logger), "broker"),
		subs:   make(map[*broker.Sub]*goredis.PubSub),
	}
}

func (b *Broker) channel(topic string) string { return b.prefix + topic }

func (b *Broker) historyKey(topic string) string { return b.prefix + "history:" + topic }

// Publish sends payload to the topic channel.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return &rrerrors.InfrastructureError{Component: "redis", Operation: "publish", Cause: err}
	}
	return nil
}

// Subscribe subscribes to the topic channel. It returns once Redis has
// confirmed the subscription.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.Subscription, error) {
	if b.isClosed() {
		return nil, broker.ErrClosed
	}

	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, &rrerrors.InfrastructureError{Component: "redis", Operation: "subscribe", Cause: err}
	}

	var sub *broker.Sub
	sub = broker.NewSubscription(b.buffer, func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		ps.Close()
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ps.Close()
		return nil, broker.ErrClosed
	}
	b.subs[sub] = ps
	b.mu.Unlock()

	go b.forward(topic, ps, sub)
	sub.CloseOnDone(ctx)
	return sub, nil
}

// forward copies channel messages into the subscription until either side
// ends.
func (b *Broker) forward(topic string, ps *goredis.PubSub, sub *broker.Sub) {
	msgs := ps.Channel(goredis.WithChannelSize(b.buffer))
	for {
		select {
		case <-sub.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if !b.isClosed() {
					b.logger.Warn("redis subscription ended", log.String(log.TopicKey, topic))
				}
				sub.Fail(broker.ErrClosed)
				return
			}
			if !sub.Deliver([]byte(msg.Payload)) {
				b.logger.Warn("dropping slow subscriber", log.String(log.TopicKey, topic))
				return
			}
		}
	}
}

// Append pushes payload onto the topic history list and trims it to limit.
func (b *Broker) Append(ctx context.Context, topic string, payload []byte, limit int) error {
	if limit <= 0 {
		return nil
	}
	key := b.historyKey(topic)
	_, err := b.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.RPush(ctx, key, payload)
		p.LTrim(ctx, key, int64(-limit), -1)
		if b.ttl > 0 {
			p.Expire(ctx, key, b.ttl)
		}
		return nil
	})
	if err != nil {
		return &rrerrors.InfrastructureError{Component: "redis", Operation: "append history", Cause: err}
	}
	return nil
}

// Recent returns the topic history, oldest first.
func (b *Broker) Recent(ctx context.Context, topic string) ([][]byte, error) {
	vals, err := b.client.LRange(ctx, b.historyKey(topic), 0, -1).Result()
	if err != nil {
		return nil, &rrerrors.InfrastructureError{Component: "redis", Operation: "read history", Cause: err}
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close ends every subscription and, if the broker created the client,
// closes it.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*broker.Sub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Fail(broker.ErrClosed)
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}

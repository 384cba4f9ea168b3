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

// Package broker provides topic-based publish/subscribe between processes.
//
// Delivery is at-most-once and unordered across topics. Within one topic a
// subscriber sees messages from a single publisher in publish order, and a
// subscriber that cannot keep up is closed with ErrSlowConsumer rather than
// silently skipping messages. A subscription is fully registered when
// Subscribe returns, so anything published after that point is delivered.
package broker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSlowConsumer is reported by a subscription that was closed because
	// its buffer filled up.
	ErrSlowConsumer = errors.New("broker: subscriber fell behind")

	// ErrClosed is returned by a closed broker.
	ErrClosed = errors.New("broker: closed")
)

// Subscription is a live subscription to one topic.
type Subscription interface {
	// C delivers message payloads. It is closed when the subscription ends.
	// Payloads must be treated as read-only.
	C() <-chan []byte

	// Err reports why the subscription ended, or nil if it was closed by
	// its owner or is still open.
	Err() error

	// Close releases the subscription. It is idempotent.
	Close()
}

// Broker is a topic-based publish/subscribe fabric.
type Broker interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a subscription to topic. The subscription ends
	// when ctx is done or Close is called.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Close ends every subscription and releases resources.
	Close() error
}

// History is an optional capability for keeping recent messages per topic.
// Brokers that implement it can serve replay to late subscribers.
type History interface {
	// Append records payload as the newest message of topic, keeping at
	// most limit messages.
	Append(ctx context.Context, topic string, payload []byte, limit int) error

	// Recent returns the retained messages of topic, oldest first.
	Recent(ctx context.Context, topic string) ([][]byte, error)
}

// Sub is a buffered Subscription shared by broker implementations.
type Sub struct {
	ch      chan []byte
	done    chan struct{}
	onClose func()

	mu     sync.Mutex
	closed bool
	err    error
}

// NewSubscription returns a subscription with the given buffer. onClose, if
// set, runs once when the subscription ends for any reason.
func NewSubscription(buffer int, onClose func()) *Sub {
	if buffer < 1 {
		buffer = 1
	}
	return &Sub{ch: make(chan []byte, buffer), done: make(chan struct{}), onClose: onClose}
}

// C implements Subscription.
func (s *Sub) C() <-chan []byte { return s.ch }

// Err implements Subscription.
func (s *Sub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements Subscription.
func (s *Sub) Close() { s.Fail(nil) }

// Deliver enqueues payload without blocking. A full buffer ends the
// subscription with ErrSlowConsumer. It reports whether the payload was
// accepted.
func (s *Sub) Deliver(payload []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	select {
	case s.ch <- payload:
		s.mu.Unlock()
		return true
	default:
	}
	s.mu.Unlock()
	s.Fail(ErrSlowConsumer)
	return false
}

// Fail ends the subscription with err.
func (s *Sub) Fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
}

// Done is closed when the subscription has ended.
func (s *Sub) Done() <-chan struct{} { return s.done }

// CloseOnDone ends the subscription when ctx is done.
func (s *Sub) CloseOnDone(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}

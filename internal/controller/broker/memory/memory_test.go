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

package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runrelay/internal/controller/broker"
)

func receive(t *testing.T, sub broker.Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestPublishAfterSubscribe(t *testing.T) {
	b := New(8)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "runs:1")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "runs:2")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "runs:1", []byte("a")))
	require.NoError(t, b.Publish(ctx, "runs:1", []byte("b")))

	assert.Equal(t, "a", string(receive(t, sub)))
	assert.Equal(t, "b", string(receive(t, sub)))

	select {
	case msg := <-other.C():
		t.Fatalf("unexpected message on other topic: %q", msg)
	default:
	}
}

func TestPublishCopiesPayload(t *testing.T) {
	b := New(8)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	payload := []byte("hello")
	require.NoError(t, b.Publish(ctx, "t", payload))
	payload[0] = 'j'

	assert.Equal(t, "hello", string(receive(t, sub)))
}

func TestSlowConsumerIsClosed(t *testing.T) {
	b := New(2)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "t", []byte{byte(i)}))
	}

	// Buffered messages drain before the channel reports closure.
	assert.Equal(t, []byte{0}, receive(t, sub))
	assert.Equal(t, []byte{1}, receive(t, sub))
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), broker.ErrSlowConsumer)
	assert.Equal(t, 0, b.Subscribers("t"))
}

func TestContextCancelEndsSubscription(t *testing.T) {
	b := New(8)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers("t"))

	cancel()
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.NoError(t, sub.Err())
	assert.Eventually(t, func() bool { return b.Subscribers("t") == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(8)
	sub, err := b.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	assert.NoError(t, sub.Err())
	assert.Equal(t, 0, b.Subscribers("t"))
	require.NoError(t, b.Close())
}

func TestBrokerClose(t *testing.T) {
	b := New(8)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), broker.ErrClosed)

	assert.ErrorIs(t, b.Publish(ctx, "t", []byte("x")), broker.ErrClosed)
	_, err = b.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, broker.ErrClosed)
	assert.NoError(t, b.Close())
}

func TestHistory(t *testing.T) {
	b := New(8)
	defer b.Close()
	ctx := context.Background()

	for _, msg := range []string{"1", "2", "3", "4"} {
		require.NoError(t, b.Append(ctx, "t", []byte(msg), 3))
	}
	require.NoError(t, b.Append(ctx, "off", []byte("x"), 0))

	recent, err := b.Recent(ctx, "t")
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "2", string(recent[0]))
	assert.Equal(t, "4", string(recent[2]))

	none, err := b.Recent(ctx, "off")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHistoryExpiresAfterTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(8, WithHistoryTTL(time.Minute), WithClock(func() time.Time { return now }))
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		require.NoError(t, b.Append(ctx, fmt.Sprintf("run.%d", i), []byte("ended"), 4))
	}
	require.NoError(t, b.Append(ctx, "busy", []byte("1"), 4))
	assert.Equal(t, 1001, b.HistoryTopics())

	now = now.Add(45 * time.Second)
	require.NoError(t, b.Append(ctx, "busy", []byte("2"), 4))
	recent, err := b.Recent(ctx, "run.7")
	require.NoError(t, err)
	assert.Len(t, recent, 1, "history is kept within the TTL")

	now = now.Add(30 * time.Second)
	recent, err = b.Recent(ctx, "run.7")
	require.NoError(t, err)
	assert.Empty(t, recent, "expired history reads as empty")

	require.NoError(t, b.Append(ctx, "fresh", []byte("x"), 4))
	assert.Equal(t, 2, b.HistoryTopics(), "finished run topics are pruned")

	busy, err := b.Recent(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, []string{string(busy[0]), string(busy[1])})
}

func TestExpiredHistoryStartsOver(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(8, WithHistoryTTL(time.Minute), WithClock(func() time.Time { return now }))
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, "t", []byte("old"), 4))
	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Append(ctx, "t", []byte("new"), 4))

	recent, err := b.Recent(ctx, "t")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", string(recent[0]))
}

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

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runrelay/internal/controller/broker"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := New(Config{Addr: mr.Addr(), Prefix: "test:", Buffer: 8, HistoryTTL: time.Minute}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestPublishSubscribe(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "runs:1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "runs:1", []byte("first")))
	require.NoError(t, b.Publish(ctx, "runs:1", []byte("second")))

	for _, want := range []string{"first", "second"} {
		select {
		case msg := <-sub.C():
			assert.Equal(t, want, string(msg))
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestAcrossBrokerInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	pub, err := New(Config{Addr: mr.Addr(), Prefix: "x:"}, nil)
	require.NoError(t, err)
	defer pub.Close()
	subBroker, err := New(Config{Addr: mr.Addr(), Prefix: "x:"}, nil)
	require.NoError(t, err)
	defer subBroker.Close()

	sub, err := subBroker.Subscribe(ctx, "workspaces:1:runs")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, "workspaces:1:runs", []byte("hello")))

	select {
	case msg := <-sub.C():
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("message not relayed between instances")
	}
}

func TestPrefixIsolatesChannels(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a, err := New(Config{Addr: mr.Addr(), Prefix: "a:"}, nil)
	require.NoError(t, err)
	defer a.Close()
	other, err := New(Config{Addr: mr.Addr(), Prefix: "b:"}, nil)
	require.NoError(t, err)
	defer other.Close()

	sub, err := other.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, "t", []byte("x")))

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionCloseOnContext(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	assert.NoError(t, sub.Err())
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), broker.ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, "t", nil), broker.ErrClosed)
}

func TestHistory(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	for _, msg := range []string{"1", "2", "3"} {
		require.NoError(t, b.Append(ctx, "runs:1", []byte(msg), 2))
	}

	recent, err := b.Recent(ctx, "runs:1")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", string(recent[0]))
	assert.Equal(t, "3", string(recent[1]))
	assert.True(t, mr.Exists("test:history:runs:1"))
	assert.Equal(t, time.Minute, mr.TTL("test:history:runs:1"))
}

func TestPublishFailureIsInfrastructureError(t *testing.T) {
	b, mr := newTestBroker(t)
	mr.Close()

	err := b.Publish(context.Background(), "t", []byte("x"))
	require.Error(t, err)
	var infra *rrerrors.InfrastructureError
	assert.ErrorAs(t, err, &infra)
	assert.True(t, rrerrors.IsRetryable(err))
}

func TestNewFailsWithoutServer(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}

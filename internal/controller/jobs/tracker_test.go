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

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProtector struct {
	mu       sync.Mutex
	calls    []bool
	failures map[bool]int
}

func (f *fakeProtector) SetProtection(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enabled)
	if f.failures[enabled] > 0 {
		f.failures[enabled]--
		return errors.New("agent unavailable")
	}
	return nil
}

func (f *fakeProtector) Calls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.calls...)
}

func TestTracker_OneCallPerTransition(t *testing.T) {
	p := &fakeProtector{}
	tr := NewTracker(p)
	ctx := context.Background()

	// 1,2,3,2,1,0
	tr.Increment(ctx)
	assert.True(t, tr.IsProtected())
	tr.Increment(ctx)
	tr.Increment(ctx)
	tr.Decrement(ctx)
	tr.Decrement(ctx)
	assert.True(t, tr.IsProtected())
	assert.Equal(t, 1, tr.ActiveCount())
	tr.Decrement(ctx)

	assert.Equal(t, []bool{true, false}, p.Calls())
	assert.False(t, tr.IsProtected())
	assert.Equal(t, 0, tr.ActiveCount())
}

func TestTracker_RepeatedCycles(t *testing.T) {
	p := &fakeProtector{}
	tr := NewTracker(p)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.Increment(ctx)
		tr.Decrement(ctx)
	}
	assert.Equal(t, []bool{true, false, true, false, true, false}, p.Calls())
}

func TestTracker_EnableFailureIsNonFatal(t *testing.T) {
	p := &fakeProtector{failures: map[bool]int{true: 1}}
	tr := NewTracker(p)
	ctx := context.Background()

	tr.Increment(ctx)
	assert.False(t, tr.IsProtected())
	assert.Equal(t, 1, tr.ActiveCount())

	// Nothing was applied, so returning to zero needs no disable call.
	tr.Decrement(ctx)
	assert.Equal(t, []bool{true}, p.Calls())
	assert.Equal(t, 0, tr.ActiveCount())
}

func TestTracker_DisableIsRetried(t *testing.T) {
	p := &fakeProtector{failures: map[bool]int{false: 2}}
	var observed []error
	tr := NewTracker(p,
		WithDisableRetry(3, time.Millisecond),
		WithCallObserver(func(enabled bool, err error) { observed = append(observed, err) }),
	)
	ctx := context.Background()

	tr.Increment(ctx)
	tr.Decrement(ctx)

	assert.Equal(t, []bool{true, false, false, false}, p.Calls())
	assert.False(t, tr.IsProtected())
	require.Len(t, observed, 4)
	assert.NoError(t, observed[0])
	assert.Error(t, observed[1])
	assert.NoError(t, observed[3])
}

func TestTracker_DisableGivesUpAfterAttempts(t *testing.T) {
	p := &fakeProtector{failures: map[bool]int{false: 10}}
	tr := NewTracker(p, WithDisableRetry(2, time.Millisecond))
	ctx := context.Background()

	tr.Increment(ctx)
	tr.Decrement(ctx)

	assert.Equal(t, []bool{true, false, false, false}, p.Calls())
	assert.True(t, tr.IsProtected(), "flag stays set until a disable succeeds")

	// The next full cycle still works and does not re-enable.
	p.mu.Lock()
	p.failures[false] = 0
	p.mu.Unlock()
	tr.Increment(ctx)
	tr.Decrement(ctx)
	assert.Equal(t, []bool{true, false, false, false, false}, p.Calls())
	assert.False(t, tr.IsProtected())
}

func TestTracker_DecrementBelowZeroIgnored(t *testing.T) {
	p := &fakeProtector{}
	tr := NewTracker(p)

	tr.Decrement(context.Background())
	assert.Equal(t, 0, tr.ActiveCount())
	assert.Empty(t, p.Calls())
}

func TestTracker_ConcurrentRunsSettle(t *testing.T) {
	p := &fakeProtector{}
	tr := NewTracker(p)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Increment(ctx)
			tr.Decrement(ctx)
		}()
	}
	wg.Wait()

	calls := p.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, 0, tr.ActiveCount())
	assert.False(t, tr.IsProtected())
	assert.False(t, calls[len(calls)-1], "last call disables protection")
	for i := 1; i < len(calls); i++ {
		assert.NotEqual(t, calls[i-1], calls[i], "calls alternate with no redundant repeats")
	}
}

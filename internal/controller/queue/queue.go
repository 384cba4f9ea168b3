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

// Package queue hands created runs to worker goroutines for execution.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue: closed")

	// ErrQueueFull is returned when a bounded queue is at capacity.
	ErrQueueFull = errors.New("queue: full")
)

// Job asks a worker to execute one run.
type Job struct {
	RunUUID     string
	WorkspaceID string
	Priority    int

	// Attempt counts deliveries of this job, starting at 1.
	Attempt    int
	EnqueuedAt time.Time
}

// Queue is a job queue.
type Queue interface {
	// Enqueue adds a job.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue blocks until a job is available, ctx is done or the queue is
	// closed.
	Dequeue(ctx context.Context) (*Job, error)

	// Len returns the number of queued jobs.
	Len() int

	// Close stops the queue. Queued jobs are discarded.
	Close() error
}

// MemoryQueue is an in-memory priority queue. Jobs of equal priority are
// dequeued in FIFO order.
type MemoryQueue struct {
	capacity int

	mu     sync.Mutex
	jobs   []*Job
	closed bool
	signal chan struct{}
}

// NewMemoryQueue creates a queue holding at most capacity jobs. A capacity
// of zero or less is unbounded.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.jobs) >= q.capacity {
		return ErrQueueFull
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	job.Attempt++

	i := len(q.jobs)
	for idx, j := range q.jobs {
		if job.Priority > j.Priority {
			i = idx
			break
		}
	}
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[i+1:], q.jobs[i:])
	q.jobs[i] = job

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes the next job.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs[0] = nil
			q.jobs = q.jobs[1:]
			// Wake another waiter if jobs remain.
			if len(q.jobs) > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops the queue and wakes every waiter.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.jobs = nil
	close(q.signal)
	return nil
}

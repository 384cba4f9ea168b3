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

package queue

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/runrelay/internal/log"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// Handler executes one job.
type Handler func(ctx context.Context, job *Job) error

// PoolConfig configures a worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent consumers. Defaults to 1.
	Workers int

	// MaxAttempts bounds redelivery of jobs that failed with a retryable
	// error. Defaults to 3.
	MaxAttempts int

	Logger *slog.Logger
}

// Pool consumes jobs from a queue with a fixed number of workers.
type Pool struct {
	queue       Queue
	handler     Handler
	workers     int
	maxAttempts int
	logger      *slog.Logger
}

// NewPool creates a worker pool.
func NewPool(q Queue, handler Handler, cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	return &Pool{
		queue:       q,
		handler:     handler,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		logger:      log.WithComponent(log.OrDefault(cfg.Logger), "queue"),
	}
}

// Run consumes jobs until ctx is done or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.work(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context) error {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		p.handle(ctx, job)
	}
}

func (p *Pool) handle(ctx context.Context, job *Job) {
	logger := log.WithRunContext(p.logger, job.RunUUID, job.WorkspaceID)

	err := p.handler(ctx, job)
	switch {
	case err == nil:
		return
	case rrerrors.IsConflict(err):
		// Another worker already claimed the run.
		logger.Debug("dropping job for claimed run", log.Error(err))
	case rrerrors.IsAbort(err):
		logger.Debug("job aborted", log.Error(err))
	case rrerrors.IsRetryable(err) && job.Attempt < p.maxAttempts:
		logger.Warn("requeueing job after retryable error", slog.Int("attempt", job.Attempt), log.Error(err))
		if qerr := p.queue.Enqueue(context.WithoutCancel(ctx), job); qerr != nil {
			logger.Error("failed to requeue job", log.Error(qerr))
		}
	default:
		logger.Error("job failed", slog.Int("attempt", job.Attempt), log.Error(err))
	}
}

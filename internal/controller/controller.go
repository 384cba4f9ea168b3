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

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/runrelay/internal/config"
	"github.com/tombee/runrelay/internal/controller/api"
	"github.com/tombee/runrelay/internal/controller/attach"
	"github.com/tombee/runrelay/internal/controller/auth"
	"github.com/tombee/runrelay/internal/controller/backend"
	memstore "github.com/tombee/runrelay/internal/controller/backend/memory"
	"github.com/tombee/runrelay/internal/controller/backend/postgres"
	"github.com/tombee/runrelay/internal/controller/backend/sqlite"
	"github.com/tombee/runrelay/internal/controller/broker"
	membroker "github.com/tombee/runrelay/internal/controller/broker/memory"
	redisbroker "github.com/tombee/runrelay/internal/controller/broker/redis"
	"github.com/tombee/runrelay/internal/controller/executor"
	"github.com/tombee/runrelay/internal/controller/jobs"
	"github.com/tombee/runrelay/internal/controller/listener"
	"github.com/tombee/runrelay/internal/controller/middleware"
	"github.com/tombee/runrelay/internal/controller/protection"
	"github.com/tombee/runrelay/internal/controller/queue"
	"github.com/tombee/runrelay/internal/controller/realtime"
	"github.com/tombee/runrelay/internal/controller/runner"
	"github.com/tombee/runrelay/internal/log"
	"github.com/tombee/runrelay/internal/tracing"
	"github.com/tombee/runrelay/pkg/httpclient"
)

// Options contains controller options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Logger overrides the logger built from cfg.Log.
	Logger *slog.Logger
}

// Controller owns the components of one runrelay process.
type Controller struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	telemetry     *tracing.Provider
	broker        broker.Broker
	authenticator *auth.Authenticator

	// Run plane, built by initRunPlane.
	store   backend.Backend
	queue   *queue.MemoryQueue
	pool    *queue.Pool
	tracker *jobs.Tracker
	driver  *runner.Driver
	gateway *attach.Gateway
	router  *api.Router

	notifier *realtime.Notifier

	mu      sync.Mutex
	started bool
}

// New builds the components shared by every serving mode: logging,
// telemetry, the broker, and token validation.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(&log.Config{
			Level:     cfg.Log.Level,
			Format:    log.Format(cfg.Log.Format),
			Output:    os.Stderr,
			AddSource: cfg.Log.AddSource,
		})
	}
	logger = log.WithComponent(logger, "controller")

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = uuid.NewString()
	}
	logger = logger.With(slog.String("instance_id", cfg.Server.InstanceID))

	telemetry, err := tracing.NewProvider(ctx, cfg.Observability, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	b, err := newBroker(cfg.Broker, logger)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty, every authenticated request will be rejected")
	}

	return &Controller{
		cfg:           cfg,
		opts:          opts,
		logger:        logger,
		telemetry:     telemetry,
		broker:        b,
		authenticator: auth.NewAuthenticator(auth.JWTConfigFrom(cfg.Auth), logger),
	}, nil
}

func newBroker(cfg config.BrokerConfig, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Type {
	case "", "memory":
		return membroker.New(cfg.SubscriberBuffer, membroker.WithHistoryTTL(cfg.Memory.HistoryTTL)), nil
	case "redis":
		b, err := redisbroker.New(redisbroker.Config{
			Addr:       cfg.Redis.Addr,
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.ChannelPrefix,
			Buffer:     cfg.SubscriberBuffer,
			HistoryTTL: cfg.Redis.HistoryTTL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis broker: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Type)
	}
}

func newStore(cfg config.StoreConfig) (backend.Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return memstore.New(), nil
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: cfg.SQLite.WAL})
	case "postgres":
		return postgres.New(postgres.Config{
			ConnectionString: cfg.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime:  cfg.Postgres.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// initRunPlane builds the store, driver, queue, and API router.
func (c *Controller) initRunPlane(ctx context.Context) error {
	if c.driver != nil {
		return nil
	}

	store, err := newStore(c.cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}

	protector, err := protection.New(ctx, c.cfg.Protection, c.logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create protection client: %w", err)
	}

	metrics := c.telemetry.Metrics()
	c.tracker = jobs.NewTracker(protector,
		jobs.WithLogger(c.logger),
		jobs.WithDisableRetry(c.cfg.Protection.DisableRetryAttempts, c.cfg.Protection.DisableRetryBackoff),
		jobs.WithCallObserver(metrics.ObserveProtectionCall),
	)

	c.queue = queue.NewMemoryQueue(c.cfg.Runner.QueueSize)
	metrics.ObserveQueue(c.queue.Len)

	opts := []runner.Option{
		runner.WithLogger(c.logger),
		runner.WithTracker(c.tracker),
		runner.WithQueue(c.queue),
		runner.WithMetrics(metrics),
		runner.WithTracer(c.telemetry.Tracer(runner.TracerName)),
	}
	exec, err := c.newExecutor()
	if err != nil {
		_ = store.Close()
		return err
	}
	if exec != nil {
		opts = append(opts, runner.WithExecutor(exec))
	} else {
		c.logger.Warn("executor.url is empty, runs will fail with no_executor")
	}

	c.store = store
	c.driver = runner.New(runner.Config{
		MaxParallel:      c.cfg.Runner.MaxParallel,
		MaxRunDuration:   c.cfg.Runner.MaxRunDuration,
		ReplayBufferSize: c.cfg.Broker.ReplayBufferSize,
		InstanceID:       c.cfg.Server.InstanceID,
	}, store, c.broker, opts...)

	c.pool = queue.NewPool(c.queue, func(ctx context.Context, job *queue.Job) error {
		_, err := c.driver.Execute(ctx, job.RunUUID)
		return err
	}, queue.PoolConfig{Workers: c.cfg.Runner.Workers, Logger: c.logger})

	c.gateway = attach.New(store, c.broker,
		attach.WithLogger(c.logger),
		attach.WithOutcomes(c.driver),
		attach.WithMetrics(metrics),
	)

	c.router = api.NewRouter(api.RouterConfig{
		Version:   c.opts.Version,
		Commit:    c.opts.Commit,
		BuildDate: c.opts.BuildDate,
	}, c.authenticator, c.driver, c.gateway, store,
		api.WithLogger(c.logger),
		api.WithMetricsHandler(c.telemetry.MetricsHandler()),
		api.WithCORS(middleware.CORSConfig{AllowedOrigins: c.cfg.Server.AllowedOrigins}),
	)
	return nil
}

func (c *Controller) newExecutor() (runner.ChainExecutor, error) {
	if c.cfg.Executor.URL == "" {
		return nil, nil
	}
	clientCfg := httpclient.DefaultConfig()
	// Execution requests stream for the whole run.
	clientCfg.Timeout = c.cfg.Runner.MaxRunDuration + time.Minute
	clientCfg.RetryAttempts = 0
	clientCfg.Logger = c.logger
	client, err := httpclient.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor client: %w", err)
	}
	return executor.NewHTTPExecutor(c.cfg.Executor.URL, c.cfg.Executor.Headers, client, c.logger), nil
}

// APIHandler returns the run API handler, building the run plane on first
// use.
func (c *Controller) APIHandler(ctx context.Context) (http.Handler, error) {
	if err := c.initRunPlane(ctx); err != nil {
		return nil, err
	}
	return c.router, nil
}

// NotifierHandler returns the websocket handler.
func (c *Controller) NotifierHandler() http.Handler {
	if c.notifier == nil {
		c.notifier = realtime.New(c.cfg.Realtime, c.broker, c.authenticator, c.logger)
	}
	return c.notifier
}

func (c *Controller) markStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("controller already started")
	}
	c.started = true
	return nil
}

// Serve runs the API and the queue workers on cfg.Server.Addr until ctx is
// done, then drains.
func (c *Controller) Serve(ctx context.Context) error {
	ln, err := listener.New(c.cfg.Server.Addr, c.tlsFiles())
	if err != nil {
		return err
	}
	return c.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (c *Controller) ServeListener(ctx context.Context, ln net.Listener) error {
	if err := c.markStarted(); err != nil {
		ln.Close()
		return err
	}
	handler, err := c.APIHandler(ctx)
	if err != nil {
		ln.Close()
		return err
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.pool.Run(poolCtx)
	})
	g.Go(func() error {
		c.logger.Info("serving run API", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopPool()
		c.drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	_ = c.queue.Close()
	return err
}

// drain stops new starts, waits for active runs, then cancels the rest.
func (c *Controller) drain() {
	active := c.driver.ActiveRunCount()
	c.logger.Info("graceful shutdown initiated", slog.Int("active_runs", active))
	c.driver.StartDraining()

	timeout := c.cfg.Server.DrainTimeout
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.driver.WaitForDrain(drainCtx, timeout); err != nil {
		c.logger.Warn("drain timeout exceeded",
			slog.Int("remaining_runs", c.driver.ActiveRunCount()),
			log.Duration("drain_timeout_ms", timeout.Milliseconds()))
	} else {
		c.logger.Info("all runs finished during drain")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := c.driver.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("runner shutdown timeout", log.Error(err))
	}
}

// ServeNotifier runs the websocket notifier on cfg.Realtime.Addr until ctx
// is done.
func (c *Controller) ServeNotifier(ctx context.Context) error {
	ln, err := listener.New(c.cfg.Realtime.Addr, c.tlsFiles())
	if err != nil {
		return err
	}
	return c.ServeNotifierListener(ctx, ln)
}

// ServeNotifierListener is ServeNotifier on an existing listener.
func (c *Controller) ServeNotifierListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", c.NotifierHandler())
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("GET /metrics", c.telemetry.MetricsHandler())

	server := &http.Server{
		Handler:           log.HTTPMiddleware(c.logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.logger.Info("serving realtime notifier", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := c.notifier.Close(shutdownCtx); err != nil {
			c.logger.Warn("notifier close timeout", log.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (c *Controller) tlsFiles() listener.TLSFiles {
	return listener.TLSFiles{Cert: c.cfg.Server.TLSCert, Key: c.cfg.Server.TLSKey}
}

// Close releases the store, broker, and telemetry.
func (c *Controller) Close(ctx context.Context) error {
	var errs []error
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	errs = append(errs, c.broker.Close(), c.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

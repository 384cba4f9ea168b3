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

// Package config loads runrelay configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	rrerrors "github.com/tombee/runrelay/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete runrelay configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Broker        BrokerConfig        `yaml:"broker"`
	Runner        RunnerConfig        `yaml:"runner"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Protection    ProtectionConfig    `yaml:"protection"`
	Auth          AuthConfig          `yaml:"auth"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	// AddSource adds file:line to every record.
	AddSource bool `yaml:"add_source"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Addr is the listen address for the run API.
	Addr string `yaml:"addr"`

	// TLSCert and TLSKey enable TLS on the API and websocket listeners.
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`

	// InstanceID identifies this process in logs and stop commands.
	// If empty, a random ID is generated at startup.
	InstanceID string `yaml:"instance_id,omitempty"`

	// AllowedOrigins are browser origin patterns allowed to call the run
	// API cross-origin. CORS is off when empty.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	// ShutdownTimeout bounds HTTP server shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DrainTimeout is how long active runs may keep going after SIGTERM
	// before they are cancelled.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// StoreConfig selects and configures the run record store.
type StoreConfig struct {
	// Type is "memory", "sqlite", or "postgres".
	Type string `yaml:"type"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// WAL enables write-ahead logging.
	WAL bool `yaml:"wal"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// ConnectionString is the PostgreSQL connection URL.
	ConnectionString string `yaml:"connection_string,omitempty"`

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`

	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`

	// ConnMaxLifetime sets the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// BrokerConfig selects and configures the event broker.
type BrokerConfig struct {
	// Type is "memory" or "redis".
	Type string `yaml:"type"`

	Memory MemoryBrokerConfig `yaml:"memory,omitempty"`
	Redis  RedisConfig        `yaml:"redis,omitempty"`

	// ReplayBufferSize is how many recent events are kept per run for
	// late attachers that request replay. Zero disables replay.
	ReplayBufferSize int `yaml:"replay_buffer_size"`

	// SubscriberBuffer is the per-subscription delivery buffer.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// MemoryBrokerConfig configures the in-process broker.
type MemoryBrokerConfig struct {
	// HistoryTTL drops a run's replay history after it goes quiet.
	HistoryTTL time.Duration `yaml:"history_ttl"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`

	// ChannelPrefix namespaces every channel and history key.
	ChannelPrefix string `yaml:"channel_prefix"`

	// HistoryTTL expires replay history after a run goes quiet.
	HistoryTTL time.Duration `yaml:"history_ttl"`
}

// RunnerConfig configures run execution.
type RunnerConfig struct {
	// MaxParallel limits concurrently executing runs on this process.
	MaxParallel int `yaml:"max_parallel"`

	// MaxRunDuration is the watchdog bound for a single run. A run that
	// exceeds it is cancelled.
	MaxRunDuration time.Duration `yaml:"max_run_duration"`

	// Workers is the number of queue consumers.
	Workers int `yaml:"workers"`

	// QueueSize bounds the in-memory job queue.
	QueueSize int `yaml:"queue_size"`
}

// ExecutorConfig points runs at the chain execution service.
type ExecutorConfig struct {
	// URL receives one POST per run and streams events back as NDJSON.
	// Empty means runs fail with no_executor.
	URL string `yaml:"url,omitempty"`

	// Headers are added to every execution request.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// ProtectionConfig configures scale-in protection.
type ProtectionConfig struct {
	// Type is "none", "ecs-agent", or "ecs-api".
	Type string `yaml:"type"`

	// AgentURI is the ECS agent endpoint. Defaults to $ECS_AGENT_URI.
	AgentURI string `yaml:"agent_uri,omitempty"`

	// ExpiresInMinutes is how long a protection flag lasts if never cleared.
	ExpiresInMinutes int `yaml:"expires_in_minutes"`

	// Cluster and TaskARN identify the task for the ECS API client.
	Cluster string `yaml:"cluster,omitempty"`
	TaskARN string `yaml:"task_arn,omitempty"`
	Region  string `yaml:"region,omitempty"`

	// DisableRetryAttempts bounds retries of a failed disable call.
	DisableRetryAttempts int `yaml:"disable_retry_attempts"`

	// DisableRetryBackoff is the initial delay between disable retries.
	DisableRetryBackoff time.Duration `yaml:"disable_retry_backoff"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	// JWTSecret is the HMAC secret used to validate tokens.
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// Issuer and Audience are checked when non-empty.
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`

	// ClockSkew is the leeway applied to exp and nbf.
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// RealtimeConfig configures the websocket notifier.
type RealtimeConfig struct {
	// Addr is the listen address for the websocket endpoint.
	Addr string `yaml:"addr"`

	// AllowedOrigins are glob patterns matched against the Origin header.
	// Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`

	// JoinRate and JoinBurst bound room join attempts per connection.
	JoinRate  float64 `yaml:"join_rate"`
	JoinBurst int     `yaml:"join_burst"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces.
	ServiceName string `yaml:"service_name,omitempty"`

	// SampleRate is the fraction of root traces sampled, from 0 to 1.
	SampleRate float64 `yaml:"sample_rate"`

	// Exporter configures span export.
	Exporter ExporterConfig `yaml:"exporter,omitempty"`
}

// ExporterConfig configures a span exporter.
type ExporterConfig struct {
	// Type is "none", "console", "otlp-grpc", or "otlp-http".
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure"`

	// URLPath overrides the OTLP HTTP traces path.
	URLPath string `yaml:"url_path,omitempty"`

	// CAFile is a PEM bundle used to verify the collector.
	CAFile string `yaml:"ca_file,omitempty"`

	// Headers are sent with every export request.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Default returns a Config with defaults suitable for a single local process.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Store: StoreConfig{
			Type: "memory",
			SQLite: SQLiteConfig{
				Path: "runrelay.db",
				WAL:  true,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Broker: BrokerConfig{
			Type: "memory",
			Memory: MemoryBrokerConfig{
				HistoryTTL: 10 * time.Minute,
			},
			Redis: RedisConfig{
				Addr:          "localhost:6379",
				ChannelPrefix: "runrelay",
				HistoryTTL:    10 * time.Minute,
			},
			SubscriberBuffer: 256,
		},
		Runner: RunnerConfig{
			MaxParallel:    10,
			MaxRunDuration: 30 * time.Minute,
			Workers:        4,
			QueueSize:      1000,
		},
		Protection: ProtectionConfig{
			Type:                 "none",
			ExpiresInMinutes:     60,
			DisableRetryAttempts: 5,
			DisableRetryBackoff:  time.Second,
		},
		Auth: AuthConfig{
			ClockSkew: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			Addr:           ":8081",
			PingInterval:   30 * time.Second,
			WriteTimeout:   10 * time.Second,
			ReadTimeout:    60 * time.Second,
			MaxMessageSize: 4096,
			SendBuffer:     64,
			JoinRate:       5,
			JoinBurst:      10,
		},
		Observability: ObservabilityConfig{
			ServiceName: "runrelay",
			SampleRate:  1,
			Exporter: ExporterConfig{
				Type: "none",
			},
		},
	}
}

// Load loads configuration from the given path (optional), applies defaults
// and environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &rrerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &rrerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills zero values left by a partial YAML document.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = d.Server.DrainTimeout
	}
	if c.Store.Type == "" {
		c.Store.Type = d.Store.Type
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = d.Store.SQLite.Path
	}
	if c.Broker.Type == "" {
		c.Broker.Type = d.Broker.Type
	}
	if c.Broker.Redis.ChannelPrefix == "" {
		c.Broker.Redis.ChannelPrefix = d.Broker.Redis.ChannelPrefix
	}
	if c.Broker.Memory.HistoryTTL == 0 {
		c.Broker.Memory.HistoryTTL = d.Broker.Memory.HistoryTTL
	}
	if c.Broker.Redis.HistoryTTL == 0 {
		c.Broker.Redis.HistoryTTL = d.Broker.Redis.HistoryTTL
	}
	if c.Broker.SubscriberBuffer == 0 {
		c.Broker.SubscriberBuffer = d.Broker.SubscriberBuffer
	}
	if c.Runner.MaxParallel == 0 {
		c.Runner.MaxParallel = d.Runner.MaxParallel
	}
	if c.Runner.MaxRunDuration == 0 {
		c.Runner.MaxRunDuration = d.Runner.MaxRunDuration
	}
	if c.Runner.Workers == 0 {
		c.Runner.Workers = d.Runner.Workers
	}
	if c.Runner.QueueSize == 0 {
		c.Runner.QueueSize = d.Runner.QueueSize
	}
	if c.Protection.Type == "" {
		c.Protection.Type = d.Protection.Type
	}
	if c.Protection.ExpiresInMinutes == 0 {
		c.Protection.ExpiresInMinutes = d.Protection.ExpiresInMinutes
	}
	if c.Protection.DisableRetryBackoff == 0 {
		c.Protection.DisableRetryBackoff = d.Protection.DisableRetryBackoff
	}
	if c.Realtime.Addr == "" {
		c.Realtime.Addr = d.Realtime.Addr
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = d.Realtime.PingInterval
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = d.Realtime.WriteTimeout
	}
	if c.Realtime.ReadTimeout == 0 {
		c.Realtime.ReadTimeout = d.Realtime.ReadTimeout
	}
	if c.Realtime.MaxMessageSize == 0 {
		c.Realtime.MaxMessageSize = d.Realtime.MaxMessageSize
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = d.Realtime.SendBuffer
	}
	if c.Realtime.JoinRate == 0 {
		c.Realtime.JoinRate = d.Realtime.JoinRate
	}
	if c.Realtime.JoinBurst == 0 {
		c.Realtime.JoinBurst = d.Realtime.JoinBurst
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = d.Observability.ServiceName
	}
	if c.Observability.Exporter.Type == "" {
		c.Observability.Exporter.Type = d.Observability.Exporter.Type
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	if val := os.Getenv("RUNRELAY_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("RUNRELAY_INSTANCE_ID"); val != "" {
		c.Server.InstanceID = val
	}
	setDuration("RUNRELAY_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	setDuration("RUNRELAY_DRAIN_TIMEOUT", &c.Server.DrainTimeout)

	if val := os.Getenv("RUNRELAY_STORE"); val != "" {
		c.Store.Type = strings.ToLower(val)
	}
	if val := os.Getenv("RUNRELAY_SQLITE_PATH"); val != "" {
		c.Store.SQLite.Path = val
	}
	if val := os.Getenv("RUNRELAY_POSTGRES_URL"); val != "" {
		c.Store.Postgres.ConnectionString = val
	}

	if val := os.Getenv("RUNRELAY_BROKER"); val != "" {
		c.Broker.Type = strings.ToLower(val)
	}
	if val := os.Getenv("RUNRELAY_REDIS_ADDR"); val != "" {
		c.Broker.Redis.Addr = val
	}
	if val := os.Getenv("RUNRELAY_REDIS_PASSWORD"); val != "" {
		c.Broker.Redis.Password = val
	}
	setInt("RUNRELAY_REDIS_DB", &c.Broker.Redis.DB)
	setInt("RUNRELAY_REPLAY_BUFFER_SIZE", &c.Broker.ReplayBufferSize)

	setInt("RUNRELAY_MAX_PARALLEL", &c.Runner.MaxParallel)
	setDuration("RUNRELAY_MAX_RUN_DURATION", &c.Runner.MaxRunDuration)
	setInt("RUNRELAY_WORKERS", &c.Runner.Workers)

	if val := os.Getenv("RUNRELAY_EXECUTOR_URL"); val != "" {
		c.Executor.URL = val
	}

	if val := os.Getenv("RUNRELAY_PROTECTION"); val != "" {
		c.Protection.Type = strings.ToLower(val)
	}
	if val := os.Getenv("ECS_AGENT_URI"); val != "" && c.Protection.AgentURI == "" {
		c.Protection.AgentURI = val
	}
	setInt("RUNRELAY_PROTECTION_EXPIRES_IN_MINUTES", &c.Protection.ExpiresInMinutes)

	if val := os.Getenv("RUNRELAY_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}

	if val := os.Getenv("RUNRELAY_REALTIME_ADDR"); val != "" {
		c.Realtime.Addr = val
	}
	if val := os.Getenv("RUNRELAY_ALLOWED_ORIGINS"); val != "" {
		origins := strings.Split(val, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		c.Realtime.AllowedOrigins = origins
	}

	if val := os.Getenv("RUNRELAY_TRACING_ENABLED"); val != "" {
		c.Observability.Enabled = parseBool(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Observability.Exporter.Endpoint = val
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}

	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			errs = append(errs, "store.sqlite.path is required for the sqlite store")
		}
	case "postgres":
		if c.Store.Postgres.ConnectionString == "" {
			errs = append(errs, "store.postgres.connection_string is required for the postgres store")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.type must be one of [memory, sqlite, postgres], got %q", c.Store.Type))
	}

	switch c.Broker.Type {
	case "memory":
	case "redis":
		if c.Broker.Redis.Addr == "" {
			errs = append(errs, "broker.redis.addr is required for the redis broker")
		}
	default:
		errs = append(errs, fmt.Sprintf("broker.type must be one of [memory, redis], got %q", c.Broker.Type))
	}
	if c.Broker.ReplayBufferSize < 0 {
		errs = append(errs, "broker.replay_buffer_size must not be negative")
	}

	if c.Runner.MaxParallel < 1 {
		errs = append(errs, fmt.Sprintf("runner.max_parallel must be at least 1, got %d", c.Runner.MaxParallel))
	}
	if c.Runner.MaxRunDuration <= 0 {
		errs = append(errs, fmt.Sprintf("runner.max_run_duration must be positive, got %v", c.Runner.MaxRunDuration))
	}

	switch c.Protection.Type {
	case "none":
	case "ecs-agent":
		if c.Protection.AgentURI == "" {
			errs = append(errs, "protection.agent_uri (or ECS_AGENT_URI) is required for ecs-agent protection")
		}
	case "ecs-api":
		if c.Protection.Cluster == "" || c.Protection.TaskARN == "" {
			errs = append(errs, "protection.cluster and protection.task_arn are required for ecs-api protection")
		}
	default:
		errs = append(errs, fmt.Sprintf("protection.type must be one of [none, ecs-agent, ecs-api], got %q", c.Protection.Type))
	}
	if c.Protection.Type != "none" {
		expiry := time.Duration(c.Protection.ExpiresInMinutes) * time.Minute
		if expiry <= c.Runner.MaxRunDuration {
			errs = append(errs, fmt.Sprintf("protection.expires_in_minutes (%v) must exceed runner.max_run_duration (%v)", expiry, c.Runner.MaxRunDuration))
		}
	}

	if c.Realtime.JoinRate <= 0 || c.Realtime.JoinBurst < 1 {
		errs = append(errs, "realtime.join_rate and realtime.join_burst must be positive")
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, "server.tls_cert and server.tls_key must be set together")
	}

	if c.Executor.URL != "" {
		u, err := url.Parse(c.Executor.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("executor.url must be an http(s) URL, got %q", c.Executor.URL))
		}
	}

	if c.Observability.Enabled {
		switch c.Observability.Exporter.Type {
		case "none", "console":
		case "otlp-grpc", "otlp-http":
			if c.Observability.Exporter.Endpoint == "" {
				errs = append(errs, "observability.exporter.endpoint is required for otlp exporters")
			}
		default:
			errs = append(errs, fmt.Sprintf("observability.exporter.type must be one of [none, console, otlp-grpc, otlp-http], got %q", c.Observability.Exporter.Type))
		}
		if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
			errs = append(errs, "observability.sample_rate must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func setDuration(env string, dst *time.Duration) {
	if val := os.Getenv(env); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func setInt(env string, dst *int) {
	if val := os.Getenv(env); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func parseBool(val string) bool {
	return val == "1" || strings.ToLower(val) == "true"
}

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

// Package export builds span exporters from configuration.
package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"

	"github.com/tombee/runrelay/internal/config"
)

// Exporter types accepted in configuration.
const (
	TypeNone     = "none"
	TypeConsole  = "console"
	TypeOTLPGRPC = "otlp-grpc"
	TypeOTLPHTTP = "otlp-http"
)

// New builds the exporter named by cfg.Type. It returns nil for "none".
func New(ctx context.Context, cfg config.ExporterConfig) (trace.SpanExporter, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeConsole:
		return NewConsoleExporter(os.Stdout)
	case TypeOTLPGRPC:
		return NewOTLPExporter(ctx, cfg)
	case TypeOTLPHTTP:
		return NewOTLPHTTPExporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown exporter type %q", cfg.Type)
	}
}

// NewConsoleExporter writes spans as JSON to w.
func NewConsoleExporter(w io.Writer) (trace.SpanExporter, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create console exporter: %w", err)
	}
	return exporter, nil
}

// NewOTLPExporter creates an OTLP gRPC trace exporter.
func NewOTLPExporter(ctx context.Context, cfg config.ExporterConfig) (trace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		tlsCfg, err := clientTLS(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
	}
	return exporter, nil
}

// NewOTLPHTTPExporter creates an OTLP HTTP trace exporter.
func NewOTLPHTTPExporter(ctx context.Context, cfg config.ExporterConfig) (trace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}

	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		tlsCfg, err := clientTLS(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	return exporter, nil
}

func clientTLS(caFile string) (*tls.Config, error) {
	builder := NewTLSConfigBuilder()
	if caFile != "" {
		if err := builder.WithCustomCA(caFile); err != nil {
			return nil, err
		}
	}
	cfg := builder.Build()
	if err := ValidateTLSConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid TLS config: %w", err)
	}
	return cfg, nil
}

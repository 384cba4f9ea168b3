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

package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/runrelay/internal/config"
	"github.com/tombee/runrelay/internal/tracing/export"
)

// Provider owns the process tracer and meter providers.
type Provider struct {
	tp       *sdktrace.TracerProvider
	mp       *metric.MeterProvider
	registry *prometheus.Registry
	metrics  *MetricsCollector
}

// NewProvider builds the tracer and meter providers and installs them as
// the otel globals. Extra options are applied after the configured
// exporter, which lets tests attach an in-memory exporter.
func NewProvider(ctx context.Context, cfg config.ObservabilityConfig, version string, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "runrelay"
	}

	// An empty schema URL avoids conflicts when merging with the default
	// resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.NeverSample()
	if cfg.Enabled {
		sampler = NewSampler(cfg.SampleRate)
	}
	allOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.Enabled {
		exporter, err := export.New(ctx, cfg.Exporter)
		if err != nil {
			return nil, err
		}
		if exporter != nil {
			allOpts = append(allOpts, sdktrace.WithBatcher(exporter))
		}
	}
	allOpts = append(allOpts, opts...)
	tp := sdktrace.NewTracerProvider(allOpts...)

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)

	collector, err := NewMetricsCollector(mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, mp: mp, registry: registry, metrics: collector}, nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Metrics returns the collector recording run and stream metrics.
func (p *Provider) Metrics() *MetricsCollector {
	return p.metrics
}

// MetricsHandler serves the provider's instruments together with the
// collectors registered on the default Prometheus registry.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.Gatherers{p.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	)
}

// ForceFlush exports pending spans and metrics.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return errors.Join(p.tp.ForceFlush(ctx), p.mp.ForceFlush(ctx))
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}

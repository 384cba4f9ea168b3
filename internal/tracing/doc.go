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

/*
Package tracing sets up OpenTelemetry for runrelay.

A Provider owns the tracer provider used for run spans and a meter provider
whose instruments are exported in Prometheus text format:

	provider, err := tracing.NewProvider(ctx, cfg.Observability, version)
	if err != nil {
	    return err
	}
	defer provider.Shutdown(ctx)

	driver := runner.New(cfg, store, broker,
	    runner.WithTracer(provider.Tracer(runner.TracerName)),
	    runner.WithMetrics(provider.Metrics()),
	)

Spans are exported through the exporter named in the configuration
(console, otlp-grpc, or otlp-http). Metrics are always collected and served
by Provider.MetricsHandler, which also includes collectors registered on the
default Prometheus registry.
*/
package tracing

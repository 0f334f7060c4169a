/*
   Copyright 2026 Cok authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package tracing wires the OpenTelemetry SDK into a TracerProvider
// that exports to an OTLP collector when one is configured, and is a
// harmless no-op exporter otherwise. Both binaries call InitTracing
// once at startup; the spans created via otel.Tracer(...) throughout
// the gateway and client packages are inert until this runs.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// ShutdownFunc flushes and stops the tracer provider's exporter.
type ShutdownFunc func(ctx context.Context) error

// InitTracing configures the global tracer provider for service,
// pulling the OTLP endpoint from the OTEL_EXPORTER_OTLP_ENDPOINT
// environment variable. When that variable is unset, spans are still
// created (callers never need to branch on whether tracing is
// configured) but nothing is exported.
func InitTracing(service, version string) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if endpoint, ok := endpointFromEnv(); ok {
		client := otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter for %s: %w", endpoint, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// endpointFromEnv reads the collector endpoint the same way the rest
// of the OTEL ecosystem does, trimming the scheme since
// otlptracegrpc.WithEndpoint expects host:port.
func endpointFromEnv() (string, bool) {
	v, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if !ok || v == "" {
		return "", false
	}
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return v, true
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry bootstraps OpenTelemetry tracing and metrics for a run.
//
// After Init, otel.Tracer and otel.Meter used by the engine export through
// the configured exporters. The Prometheus exporter writes into a private
// registry served by MetricsHandler.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for unsupported exporter names.
	ErrUnknownExporter = errors.New("unknown exporter")
)

// Config selects exporters.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// TraceExporter is "otlp", "stdout", or "none".
	TraceExporter string `yaml:"trace_exporter"`

	// MetricExporter is "prometheus", "stdout", or "none".
	MetricExporter string `yaml:"metric_exporter"`

	// OTLPEndpoint is the gRPC collector address for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// MetricsAddr, when set, is where the CLI serves /metrics during a run.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig exports nothing. Runs are local by default.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "cyyrus",
		ServiceVersion: "0.1.0",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterPrometheus,
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
	}
}

// Validate checks exporter names.
func (c Config) Validate() error {
	var problems []string
	switch c.TraceExporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		problems = append(problems, fmt.Sprintf("trace_exporter %q: %v", c.TraceExporter, ErrUnknownExporter))
	}
	switch c.MetricExporter {
	case ExporterNone, ExporterStdout, ExporterPrometheus:
	default:
		problems = append(problems, fmt.Sprintf("metric_exporter %q: %v", c.MetricExporter, ErrUnknownExporter))
	}
	if c.TraceExporter == ExporterOTLP && c.OTLPEndpoint == "" {
		problems = append(problems, "otlp_endpoint is required for the otlp trace exporter")
	}
	if c.MetricsAddr != "" && c.MetricExporter != ExporterPrometheus {
		problems = append(problems, "metrics_addr needs the prometheus metric exporter")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid telemetry config: %s", strings.Join(problems, "; "))
	}
	return nil
}

var (
	handlerMu sync.RWMutex
	handler   http.Handler
)

// MetricsHandler returns the /metrics handler, or nil when the Prometheus
// exporter is not active.
func MetricsHandler() http.Handler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return handler
}

// Init installs the global tracer and meter providers.
//
// Outputs:
//
//	shutdown - Flushes and stops the exporters. Always call it.
//	error - Non-nil if an exporter cannot be created.
//
// Thread Safety:
//
//	Call once at startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var stops []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	if cfg.TraceExporter != ExporterNone {
		var exp sdktrace.SpanExporter
		switch cfg.TraceExporter {
		case ExporterOTLP:
			opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
			if cfg.OTLPInsecure {
				opts = append(opts, otlptracegrpc.WithInsecure())
			}
			exp, err = otlptracegrpc.New(ctx, opts...)
		case ExporterStdout:
			exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		}
		if err != nil {
			return nil, fmt.Errorf("creating %s trace exporter: %w", cfg.TraceExporter, err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if cfg.MetricExporter != ExporterNone {
		var reader sdkmetric.Reader
		switch cfg.MetricExporter {
		case ExporterPrometheus:
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			exp, err := promexporter.New(promexporter.WithRegisterer(reg))
			if err != nil {
				return nil, fmt.Errorf("creating prometheus exporter: %w", err)
			}
			reader = exp
			handlerMu.Lock()
			handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
			handlerMu.Unlock()
		case ExporterStdout:
			exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
			if err != nil {
				return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
			}
			reader = sdkmetric.NewPeriodicReader(exp)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

// ServeMetrics serves MetricsHandler on addr until ctx is done.
//
// Outputs:
//
//	string - The bound address, useful when addr uses port 0.
//	error - Non-nil if no handler is installed or the listener fails.
func ServeMetrics(ctx context.Context, addr string, logger *slog.Logger) (string, error) {
	h := MetricsHandler()
	if h == nil {
		return "", errors.New("prometheus exporter is not active")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Package observability wires OpenTelemetry tracing and metrics plus
// Server-Timing headers around the OData surface. Everything degrades to
// no-ops when no providers are configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	servertiming "github.com/mitchellh/go-server-timing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Option configures observability.
type Option func(*Config)

// WithTracerProvider installs a tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) { c.tracerProvider = tp }
}

// WithMeterProvider installs a meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) { c.meterProvider = mp }
}

// WithServiceName sets the instrumentation service name.
func WithServiceName(name string) Option {
	return func(c *Config) { c.serviceName = name }
}

// WithServiceVersion sets the instrumentation service version.
func WithServiceVersion(version string) Option {
	return func(c *Config) { c.serviceVersion = version }
}

// WithLogger sets the logger used for instrumentation failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// WithServerTiming enables Server-Timing response headers.
func WithServerTiming() Option {
	return func(c *Config) { c.serverTiming = true }
}

// Config holds the initialized instruments.
type Config struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	serviceName    string
	serviceVersion string
	logger         *slog.Logger
	serverTiming   bool

	tracer          trace.Tracer
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
	errorCounter    metric.Int64Counter
}

// NewConfig applies the options.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		serviceName: "contentrepo",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize creates the tracer and the metric instruments.
func (c *Config) Initialize() error {
	if c.tracerProvider == nil {
		c.tracerProvider = noop.NewTracerProvider()
	}
	c.tracer = c.tracerProvider.Tracer(c.serviceName,
		trace.WithInstrumentationVersion(c.serviceVersion))

	if c.meterProvider == nil {
		return nil
	}
	meter := c.meterProvider.Meter(c.serviceName)
	var err error
	if c.requestCounter, err = meter.Int64Counter("odata.requests",
		metric.WithDescription("OData requests served")); err != nil {
		return fmt.Errorf("observability: counter init failed: %w", err)
	}
	if c.requestDuration, err = meter.Float64Histogram("odata.request.duration",
		metric.WithDescription("OData request duration"), metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("observability: histogram init failed: %w", err)
	}
	if c.errorCounter, err = meter.Int64Counter("odata.errors",
		metric.WithDescription("OData requests that ended in an error status")); err != nil {
		return fmt.Errorf("observability: counter init failed: %w", err)
	}
	return nil
}

// ServerTimingEnabled reports whether Server-Timing headers are on.
func (c *Config) ServerTimingEnabled() bool { return c.serverTiming }

// Middleware instruments an HTTP handler with a span, request metrics, and
// optionally the Server-Timing collector.
func (c *Config) Middleware(next http.Handler) http.Handler {
	instrumented := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := c.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.Int("status", recorder.status),
		)
		if c.requestCounter != nil {
			c.requestCounter.Add(ctx, 1, attrs)
		}
		if c.requestDuration != nil {
			c.requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
		if c.errorCounter != nil && recorder.status >= http.StatusInternalServerError {
			c.errorCounter.Add(ctx, 1, attrs)
		}
	})
	if c.serverTiming {
		return servertiming.Middleware(instrumented, nil)
	}
	return instrumented
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ServerTimingMetric tracks one timed operation for the Server-Timing
// response header.
type ServerTimingMetric struct {
	metric *servertiming.Metric
}

// Stop finishes the measurement. Safe on the no-op metric.
func (m *ServerTimingMetric) Stop() {
	if m != nil && m.metric != nil {
		m.metric.Stop()
	}
}

// StartServerTiming starts a named metric against the request's timing
// collector. Without a collector on the context it returns a no-op metric.
func StartServerTiming(ctx context.Context, name string) *ServerTimingMetric {
	timing := servertiming.FromContext(ctx)
	if timing == nil {
		return &ServerTimingMetric{}
	}
	return &ServerTimingMetric{metric: timing.NewMetric(name).Start()}
}

// StartServerTimingWithDesc starts a named metric with a description.
func StartServerTimingWithDesc(ctx context.Context, name, description string) *ServerTimingMetric {
	timing := servertiming.FromContext(ctx)
	if timing == nil {
		return &ServerTimingMetric{}
	}
	return &ServerTimingMetric{metric: timing.NewMetric(name).WithDesc(description).Start()}
}

// Package otelx provides OpenTelemetry metrics and tracing for the
// dispatcher.
package otelx

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ExporterType defines the type of exporter to use.
type ExporterType string

const (
	// ExporterNone disables export (no-op).
	ExporterNone ExporterType = "none"
	// ExporterStdout exports to stdout (useful for debugging).
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC exports via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// MetricsConfig holds configuration for the dispatcher metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false.
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "starmap",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics with dispatcher-specific helpers.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error

	taskLatency   metric.Float64Histogram
	sentBytes     metric.Int64Counter
	receivedBytes metric.Int64Counter
	inFlight      metric.Int64UpDownCounter
	failures      metric.Int64Counter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		if err := m.registerInstruments(); err != nil {
			return nil, err
		}
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource creates the OpenTelemetry resource with service information.
func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	m.taskLatency, err = m.meter.Float64Histogram(
		"starmap.task.duration",
		metric.WithDescription("Wall-clock duration of tasks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task duration histogram: %w", err)
	}

	m.sentBytes, err = m.meter.Int64Counter(
		"starmap.bytes.sent",
		metric.WithDescription("Bytes submitted to workers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sent bytes counter: %w", err)
	}

	m.receivedBytes, err = m.meter.Int64Counter(
		"starmap.bytes.received",
		metric.WithDescription("Bytes received on the ingress"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create received bytes counter: %w", err)
	}

	m.inFlight, err = m.meter.Int64UpDownCounter(
		"starmap.tasks.inflight",
		metric.WithDescription("Number of submitted, unfinished tasks"),
	)
	if err != nil {
		return fmt.Errorf("failed to create in-flight counter: %w", err)
	}

	m.failures, err = m.meter.Int64Counter(
		"starmap.tasks.failed",
		metric.WithDescription("Count of failed tasks by error kind"),
	)
	if err != nil {
		return fmt.Errorf("failed to create failure counter: %w", err)
	}

	return nil
}

// RecordTaskDuration records the duration of a finished task.
func (m *Metrics) RecordTaskDuration(ctx context.Context, task string, seconds float64) {
	if m == nil || m.taskLatency == nil {
		return
	}
	m.taskLatency.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("task", task),
	))
}

// AddSentBytes counts bytes submitted to the workers.
func (m *Metrics) AddSentBytes(ctx context.Context, task string, n int64) {
	if m == nil || m.sentBytes == nil {
		return
	}
	m.sentBytes.Add(ctx, n, metric.WithAttributes(attribute.String("task", task)))
}

// AddReceivedBytes counts bytes drained from the ingress.
func (m *Metrics) AddReceivedBytes(ctx context.Context, task string, n int64) {
	if m == nil || m.receivedBytes == nil {
		return
	}
	m.receivedBytes.Add(ctx, n, metric.WithAttributes(attribute.String("task", task)))
}

// AddInFlight moves the in-flight gauge by delta.
func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	if m == nil || m.inFlight == nil {
		return
	}
	m.inFlight.Add(ctx, delta)
}

// RecordFailure counts a failed task by error kind.
func (m *Metrics) RecordFailure(ctx context.Context, task, kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("error_kind", kind),
	))
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// SetGlobalMetrics installs the singleton metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

// GlobalMetrics returns the singleton metrics instance, which may be nil;
// all recording helpers tolerate a nil receiver.
func GlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	return globalMetrics
}

package otelx

import (
	"context"
	"testing"
)

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown(context.Background())

	// all helpers must be safe on a disabled instance
	m.RecordTaskDuration(context.Background(), "count", 0.5)
	m.AddSentBytes(context.Background(), "count", 128)
	m.AddReceivedBytes(context.Background(), "count", 256)
	m.AddInFlight(context.Background(), 1)
	m.AddInFlight(context.Background(), -1)
	m.RecordFailure(context.Background(), "count", "ValueError")
}

func TestNilMetricsAreSafe(t *testing.T) {
	SetGlobalMetrics(nil)
	GlobalMetrics().RecordTaskDuration(context.Background(), "count", 1)
	GlobalMetrics().AddInFlight(context.Background(), 1)
	if err := GlobalMetrics().Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestStdoutExporter(t *testing.T) {
	m, err := NewMetrics(context.Background(), &MetricsConfig{
		Enabled:      true,
		ServiceName:  "starmap-test",
		ExporterType: ExporterStdout,
	})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordTaskDuration(context.Background(), "count", 0.1)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownExporterFails(t *testing.T) {
	_, err := NewMetrics(context.Background(), &MetricsConfig{
		Enabled:      true,
		ExporterType: ExporterType("statsd"),
	})
	if err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
}

func TestDisabledTracerIsNoop(t *testing.T) {
	tr, err := NewTracer(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Shutdown(context.Background())

	ctx, span := tr.StartTask(context.Background(), "count", 3)
	if ctx == nil {
		t.Fatal("context lost")
	}
	span.End()
}

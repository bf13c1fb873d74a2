package starmap

import (
	"context"

	"github.com/hazardlab/starmap/config"
	"github.com/hazardlab/starmap/internal/otelx"
)

// InitObservability builds the OpenTelemetry metrics and tracer from the
// configuration and installs them globally. With telemetry disabled in the
// configuration both are no-ops; every recording site tolerates that.
func InitObservability(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Get()
	}
	exporter := otelx.ExporterType(cfg.Telemetry.Exporter)

	metrics, err := otelx.NewMetrics(ctx, &otelx.MetricsConfig{
		Enabled:        cfg.Telemetry.MetricsEnabled,
		ServiceName:    "starmap",
		ServiceVersion: Version,
		ExporterType:   exporter,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		OTLPInsecure:   cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	otelx.SetGlobalMetrics(metrics)

	tracer, err := otelx.NewTracer(ctx, &otelx.TracerConfig{
		Enabled:        cfg.Telemetry.TracingEnabled,
		ServiceName:    "starmap",
		ServiceVersion: Version,
		ExporterType:   exporter,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		OTLPInsecure:   cfg.Telemetry.Insecure,
		SampleRate:     1.0,
	})
	if err != nil {
		return err
	}
	otelx.SetGlobalTracer(tracer)
	return nil
}

// ShutdownObservability flushes and stops the installed metrics and tracer.
func ShutdownObservability(ctx context.Context) error {
	if err := otelx.GlobalMetrics().Shutdown(ctx); err != nil {
		return err
	}
	return otelx.GlobalTracer().Shutdown(ctx)
}

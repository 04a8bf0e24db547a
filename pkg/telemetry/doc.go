// Package telemetry provides logging, tracing, metrics and event fan-out for
// seqdeploy runs.
//
// A Telemetry value bundles the four pieces and is built from a Config:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ApplyManifest(manifest.Telemetry)
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(engine.Options{
//		Metrics: tel.Metrics,
//		Events:  tel.Events,
//	})
//
// # Logging
//
// Logger wraps zerolog with console or JSON output, optional caller
// information and burst sampling. Zerolog exposes the underlying logger for
// packages that take a zerolog.Logger at construction.
//
// # Tracing
//
// NewTracer installs an OpenTelemetry SDK provider as the global provider,
// exporting to stdout or an OTLP gRPC collector. The engine creates its run,
// server and operation spans through the global provider.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder on a private Prometheus
// registry. A disabled Metrics accepts every call and records nothing.
// StartMetricsServer serves the registry on a chi router together with a
// /healthz endpoint.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Events are delivered in
// publish order to subscribers, either inline or from a buffered background
// goroutine that drains on Shutdown.
package telemetry

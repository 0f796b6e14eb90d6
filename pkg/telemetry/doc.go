// Package telemetry provides the observability stack for the wavedeploy
// engine.
//
// The package integrates structured logging (zerolog), metrics (Prometheus),
// and distributed tracing (OpenTelemetry) behind small, independently
// configurable components.
//
// # Structured Logging
//
// NewLogger builds the root logger; components derive child loggers with
// zerolog's With():
//
//	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
//	    Level:  "info",
//	    Format: "console",
//	    Output: "stderr",
//	})
//	logger = telemetry.WithOrchestrationID(logger, runID)
//	logger.Info().Str("domain", domain).Msg("deployment started")
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder on a private Prometheus
// registry. Serve exposes the registry over HTTP until the context is
// cancelled:
//
//	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
//	    Enabled:       true,
//	    ListenAddress: ":9090",
//	})
//	go metrics.Serve(ctx, logger)
//
// Key metrics exposed:
//
//   - wavedeploy_deployments_started_total{domain}
//   - wavedeploy_deployments_completed_total{domain,status}
//   - wavedeploy_deployment_duration_seconds{status}
//   - wavedeploy_phase_duration_seconds{phase}
//   - wavedeploy_rollback_actions_total{type,outcome}
//   - wavedeploy_errors_total{class,code}
//   - wavedeploy_active_deployments
//
// # Tracing
//
// Tracer wraps an OpenTelemetry tracer provider with span helpers for
// coordination runs and per-domain pipelines. Supported exporters: "stdout"
// for development, "otlp" for gRPC export to a collector.
//
//	tracer, err := telemetry.NewTracer(cfg, "wavectl", version, environment)
//	defer tracer.Shutdown(ctx)
//
//	ctx, span := tracer.StartDomainSpan(ctx, domain, batchID)
//	defer span.End()
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Always shut the tracer down so buffered spans are flushed.
package telemetry

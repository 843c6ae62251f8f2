// Package telemetry provides the observability stack of the TeamCloud
// command engine.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and lifecycle events into one
// Telemetry value that every engine component receives at construction.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewNopTelemetry, which discards logs and disables metrics and
// events. Every Metrics and EventPublisher method is safe to call when
// disabled.
//
// # Logging
//
// Component loggers carry the engine's identifiers:
//
//	logger := tel.Logger.NewComponentLogger("runner")
//	logger.WithInstanceID(id).WithCommandID(cmdID).Info("instance started")
//	logger.WithActivity("entity-upsert", 2).WithError(err).Warn("activity failed")
//
// Log levels: trace, debug, info, warn, error, fatal.
//
// # Tracing
//
// Each orchestration generation and activity call gets a span:
//
//	ctx, span := tel.Tracer.StartInstanceSpan(ctx, instanceID, workflow, generation)
//	defer span.End()
//
// Exporters: "stdout" for development and "otlp" (gRPC) for collectors.
//
// # Metrics
//
// Metrics are registered on a private Prometheus registry and served by
// Metrics.Handler, which the HTTP API mounts at /metrics. With
// MetricsConfig.ListenAddress set, StartMetricsServer serves them on a
// dedicated listener as well. Names are prefixed with the configured
// namespace:
//
//   - teamcloud_commands_submitted_total{kind,action}
//   - teamcloud_commands_completed_total{kind,status}
//   - teamcloud_orchestrations_active
//   - teamcloud_activity_retries_total{activity}
//   - teamcloud_lock_timeouts_total
//   - teamcloud_deployments_total{state}
//   - teamcloud_errors_by_class_total{class}
//   - teamcloud_eternal_restarts_total{workflow}
//
// # Events
//
// The EventPublisher delivers command, orchestration, entity, lock,
// deployment, and policy events to subscribers, optionally filtered:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    audit.Write(ev)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Asynchronous publishing drops events when the buffer is full rather than
// blocking the engine.
package telemetry

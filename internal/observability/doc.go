// Package observability wires the ink router's metrics, logging and tracing.
//
// # Metrics
//
// Metrics live on a dedicated Prometheus registry created by NewMetrics and
// are served by Metrics.Handler. The *Metrics value implements the observer
// interfaces of the sessions, scheduler and generation packages; Metrics.Gate
// adapts it for the rate gate. A nil *Metrics records nothing.
//
// # Logging
//
// NewLogger builds a log/slog logger (JSON by default) whose level is held in
// a slog.LevelVar so configuration reloads can change it. Attributes named
// like credentials, and strings that look like provider API keys, are
// redacted.
//
// # Tracing
//
// NewTracer exports spans over OTLP gRPC when an endpoint is configured and
// otherwise returns the global tracer. Every generation call is one span.
package observability

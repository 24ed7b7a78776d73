// Package telemetry wires OpenTelemetry tracing and metrics for the humanizer.
//
// New builds OTLP trace and metric providers (gRPC or HTTP) from Config.
// Telemetry is off by default; when disabled or when an exporter cannot be
// built, Tracer and Meter fall back to the global no-op providers and the
// instance reports itself degraded instead of failing the run.
//
// Metrics holds the workflow instruments recorded by the control loop and
// the retry policy. TestTelemetry backs both with in-memory readers.
package telemetry

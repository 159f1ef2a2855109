// Package observability provides structured JSON logging, Prometheus
// metrics, health probes, OpenTelemetry export and graceful shutdown for the
// commons service.
package observability

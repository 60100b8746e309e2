// Package otel publishes tmauth Client metrics through an OpenTelemetry
// [metric.Meter].
//
// Every counter becomes an Int64ObservableCounter; the workflow latency
// histogram becomes one Int64ObservableGauge per cumulative bucket plus a
// count gauge, named as in the Prometheus exporter.
//
// # What this package must NOT do
//
//   - Own the MeterProvider; callers supply the Meter.
//   - Mutate Client state.
package otel

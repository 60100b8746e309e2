// Package prometheus exposes tmauth Client metrics as a
// [prometheus.Collector].
//
// Counters are named tmauth_*_total; the workflow latency histogram is
// tmauth_workflow_latency_seconds. Register the [Exporter] in your own
// registry or mount [Exporter.Handler].
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry.
//   - Mutate Client state.
package prometheus

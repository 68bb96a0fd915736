// Package prometheus renders engine metrics in Prometheus text exposition
// format.
//
// [NewPrometheusExporter] accepts a [tglink.Engine] and exposes an
// [http.Handler]. Counter names are prefixed tglink_*_total; the single
// histogram is tglink_invoke_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount the Handler.
//   - Mutate engine state.
package prometheus

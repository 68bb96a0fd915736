// Package internaldefs holds the metric name and bucket definitions shared by
// the exporter implementations.
//
// Counter and histogram definitions live here so the Prometheus and OTel
// exporters expose identical names and boundaries. A change here changes every
// exporter at once.
package internaldefs

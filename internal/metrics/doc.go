// Package metrics exposes Prometheus collectors for onionctl.
//
// A nil *Metrics is valid and records nothing, so components take metrics
// as an optional dependency.
package metrics

// Package metrics defines the Prometheus collector shared across the
// emulator: per-surface HTTP counters, function invocation outcomes, queue
// message flow and workflow execution totals. The management namespace
// serves the registry at /_mgmt/metrics.
package metrics

// Package server exposes calfold's operational endpoints while it watches
// calendars.
//
// MetricsServer serves:
//   - /metrics: Prometheus scrape endpoint, when the prometheus exporter is on
//   - /healthz: liveness
//   - /readyz: readiness, ready once an agenda refresh succeeded
//   - /healthz/detailed: uptime and the last refresh
package server

// Package instrumentation provides OpenTelemetry metrics and tracing for
// calfold.
//
// Instrumentation is off unless enabled in the configuration. When it is off,
// Provider.Metrics returns a recorder whose methods do nothing, and spans go
// to the global no-op tracer.
//
// # Metrics
//
// Provider API:
//   - provider_api_operations_total: calls by provider, operation and status
//   - provider_api_operation_duration_seconds: call latency
//   - provider_events_skipped_total: events dropped while decoding
//
// OAuth:
//   - oauth_auth_total: authorization attempts by result
//   - oauth_token_refresh_total: refresh grants by result
//
// Aggregation:
//   - aggregation_runs_total: event aggregation runs by status
//   - aggregation_duration_seconds: run latency
//   - aggregation_events: events per run
//   - aggregation_failed_units_total: accounts and calendars that failed
//
// # Tracing
//
// Spans are created for every provider API call (provider.<kind>.<operation>)
// and for each aggregation run. Account attributes carry local account ids,
// never email addresses.
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.Config{
//		ServiceName:     "calfold",
//		ServiceVersion:  "0.1.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//		TracingExporter: instrumentation.ExporterNone,
//	})
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	provider.Metrics().RecordAggregationRun(ctx, instrumentation.StatusSuccess, len(events), time.Since(start))
package instrumentation

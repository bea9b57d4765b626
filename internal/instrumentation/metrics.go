package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	attrStatus    = "status"
	attrOperation = "operation"
	attrProvider  = "provider"
	attrResult    = "result"
	attrAccount   = "account"
	attrUnit      = "unit"
)

// Metrics provides methods for recording observability metrics. All methods
// are safe to call on a nil *Metrics and on the zero value; both record
// nothing.
type Metrics struct {
	// Provider API metrics
	providerAPIOperationsTotal   metric.Int64Counter
	providerAPIOperationDuration metric.Float64Histogram

	// OAuth metrics
	oauthAuthTotal         metric.Int64Counter
	oauthTokenRefreshTotal metric.Int64Counter

	// Aggregation metrics
	aggregationRunsTotal     metric.Int64Counter
	aggregationFailedUnits   metric.Int64Counter
	aggregationDuration      metric.Float64Histogram
	providerEventsSkipped    metric.Int64Counter
	aggregationEventsVisible metric.Int64Histogram

	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all instruments created on meter.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.providerAPIOperationsTotal, err = meter.Int64Counter(
		"provider_api_operations_total",
		metric.WithDescription("Total number of calendar provider API operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider_api_operations_total counter: %w", err)
	}

	m.providerAPIOperationDuration, err = meter.Float64Histogram(
		"provider_api_operation_duration_seconds",
		metric.WithDescription("Calendar provider API operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider_api_operation_duration_seconds histogram: %w", err)
	}

	m.oauthAuthTotal, err = meter.Int64Counter(
		"oauth_auth_total",
		metric.WithDescription("Total number of OAuth authorization attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_auth_total counter: %w", err)
	}

	m.oauthTokenRefreshTotal, err = meter.Int64Counter(
		"oauth_token_refresh_total",
		metric.WithDescription("Total number of OAuth token refresh attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_token_refresh_total counter: %w", err)
	}

	m.aggregationRunsTotal, err = meter.Int64Counter(
		"aggregation_runs_total",
		metric.WithDescription("Total number of event aggregation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation_runs_total counter: %w", err)
	}

	m.aggregationFailedUnits, err = meter.Int64Counter(
		"aggregation_failed_units_total",
		metric.WithDescription("Accounts and calendars that failed during aggregation"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation_failed_units_total counter: %w", err)
	}

	m.aggregationDuration, err = meter.Float64Histogram(
		"aggregation_duration_seconds",
		metric.WithDescription("Event aggregation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation_duration_seconds histogram: %w", err)
	}

	m.providerEventsSkipped, err = meter.Int64Counter(
		"provider_events_skipped_total",
		metric.WithDescription("Provider events dropped because they lack a title or a timed start and end"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider_events_skipped_total counter: %w", err)
	}

	m.aggregationEventsVisible, err = meter.Int64Histogram(
		"aggregation_events",
		metric.WithDescription("Number of events returned by an aggregation run"),
		metric.WithUnit("{event}"),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation_events histogram: %w", err)
	}

	return m, nil
}

// RecordProviderAPIOperation records a calendar provider API call.
//
// Parameters:
//   - provider: provider kind ("google")
//   - operation: one of the Operation* constants
//   - status: StatusSuccess or StatusError
//   - account: local account id, only attached when detailed labels are on
//   - duration: time taken for the call
func (m *Metrics) RecordProviderAPIOperation(ctx context.Context, provider, operation, status, account string, duration time.Duration) {
	if m == nil || m.providerAPIOperationsTotal == nil || m.providerAPIOperationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrProvider, provider),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}
	if m.detailedLabels && account != "" {
		attrs = append(attrs, attribute.String(attrAccount, account))
	}

	m.providerAPIOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.providerAPIOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordOAuthAuth records an authorization attempt that reached a terminal
// state. Result should be OAuthResultSuccess or OAuthResultFailure.
func (m *Metrics) RecordOAuthAuth(ctx context.Context, result string) {
	if m == nil || m.oauthAuthTotal == nil {
		return
	}
	m.oauthAuthTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordOAuthTokenRefresh records a refresh grant. Result should be
// OAuthResultSuccess or OAuthResultFailure.
func (m *Metrics) RecordOAuthTokenRefresh(ctx context.Context, result string) {
	if m == nil || m.oauthTokenRefreshTotal == nil {
		return
	}
	m.oauthTokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordAggregationRun records a finished RefreshEvents run.
func (m *Metrics) RecordAggregationRun(ctx context.Context, status string, events int, duration time.Duration) {
	if m == nil || m.aggregationRunsTotal == nil || m.aggregationDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrStatus, status))
	m.aggregationRunsTotal.Add(ctx, 1, attrs)
	m.aggregationDuration.Record(ctx, duration.Seconds(), attrs)
	if m.aggregationEventsVisible != nil {
		m.aggregationEventsVisible.Record(ctx, int64(events))
	}
}

// RecordAggregationFailure counts an account or calendar that contributed
// nothing to a run. Unit should be UnitAccount or UnitCalendar.
func (m *Metrics) RecordAggregationFailure(ctx context.Context, unit string) {
	if m == nil || m.aggregationFailedUnits == nil {
		return
	}
	m.aggregationFailedUnits.Add(ctx, 1, metric.WithAttributes(attribute.String(attrUnit, unit)))
}

// RecordSkippedEvents counts provider events dropped while decoding.
func (m *Metrics) RecordSkippedEvents(ctx context.Context, provider string, n int) {
	if m == nil || m.providerEventsSkipped == nil || n <= 0 {
		return
	}
	m.providerEventsSkipped.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrProvider, provider)))
}

package instrumentation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(metrics, tracing string) Config {
	cfg := DefaultConfig()
	cfg.ServiceVersion = "test"
	cfg.Enabled = true
	cfg.MetricsExporter = metrics
	cfg.TracingExporter = tracing
	return cfg
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), DefaultConfig())
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.False(t, p.PrometheusEnabled())
	assert.NotNil(t, p.Metrics())
	assert.NotNil(t, p.Tracer("calfold"))

	// The no-op recorder accepts calls.
	p.Metrics().RecordAggregationRun(context.Background(), StatusSuccess, 3, time.Second)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Exporters(t *testing.T) {
	tests := []struct {
		name       string
		metrics    string
		tracing    string
		prometheus bool
	}{
		{name: "prometheus without tracing", metrics: ExporterPrometheus, tracing: ExporterNone, prometheus: true},
		{name: "stdout", metrics: ExporterStdout, tracing: ExporterStdout},
		{name: "prometheus with stdout traces", metrics: ExporterPrometheus, tracing: ExporterStdout, prometheus: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			p, err := NewProvider(ctx, testConfig(tt.metrics, tt.tracing))
			require.NoError(t, err)

			assert.True(t, p.Enabled())
			assert.Equal(t, tt.prometheus, p.PrometheusEnabled())
			assert.Equal(t, "/metrics", p.PrometheusPath())
			assert.NotNil(t, p.Metrics())
			assert.NotNil(t, p.Tracer("calfold"))
			assert.NoError(t, p.Shutdown(ctx))
		})
	}
}

func TestNewProvider_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "metrics exporter", config: testConfig("graphite", ExporterNone), wantErr: "invalid metrics exporter"},
		{name: "tracing exporter", config: testConfig(ExporterPrometheus, "zipkin"), wantErr: "invalid tracing exporter"},
		{name: "otlp tracing without endpoint", config: testConfig(ExporterPrometheus, ExporterOTLP), wantErr: "OTLP endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(context.Background(), tt.config)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestProvider_CustomPrometheusPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrometheusEndpoint = "/internal/metrics"

	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "/internal/metrics", p.PrometheusPath())
}

package instrumentation

import "fmt"

// Exporter names accepted in Config.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"
)

// Label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"

	OAuthResultSuccess = "success"
	OAuthResultFailure = "failure"

	OperationListCalendars = "list_calendars"
	OperationListEvents    = "list_events"
	OperationUserInfo      = "userinfo"
	OperationRevoke        = "revoke"

	UnitAccount  = "account"
	UnitCalendar = "calendar"
)

// Config selects what calfold exports and where.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// ServiceInstanceID defaults to the hostname.
	ServiceInstanceID string

	// Enabled is off by default; most invocations are short-lived commands.
	Enabled bool

	// MetricsExporter is prometheus, otlp or stdout.
	MetricsExporter string
	// TracingExporter is otlp, stdout or none.
	TracingExporter string

	// OTLPEndpoint is host:port of the collector, without a scheme.
	OTLPEndpoint string
	OTLPInsecure bool

	TraceSamplingRate float64

	// PrometheusEndpoint is the path promhttp is mounted on.
	PrometheusEndpoint string

	// DetailedLabels adds account ids to provider API metrics.
	DetailedLabels bool
}

// DefaultConfig returns a disabled Config with the default exporters filled in.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "calfold",
		ServiceVersion:     "unknown",
		MetricsExporter:    ExporterPrometheus,
		TracingExporter:    ExporterNone,
		TraceSamplingRate:  0.1,
		PrometheusEndpoint: "/metrics",
	}
}

// Validate rejects unknown exporters, out of range sampling rates and OTLP
// exporters without an endpoint. Empty exporter names mean the default.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	switch c.MetricsExporter {
	case "", ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}
	switch c.TracingExporter {
	case "", ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	if c.OTLPEndpoint == "" {
		if c.TracingExporter == ExporterOTLP {
			return fmt.Errorf("OTLP endpoint is required when using OTLP tracing exporter")
		}
		if c.MetricsExporter == ExporterOTLP {
			return fmt.Errorf("OTLP endpoint is required when using OTLP metrics exporter")
		}
	}
	return nil
}

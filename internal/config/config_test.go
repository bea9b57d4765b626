package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, CredentialsFile), cfg.CredentialsFile)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, 4, cfg.Aggregate.Concurrency)
	assert.Equal(t, 1, cfg.Aggregate.HorizonDays)
	assert.False(t, cfg.Preferences.ResumeLastViewed)
	assert.Equal(t, "http://localhost:1", cfg.OAuth.RedirectURL)
	assert.Equal(t, 10*time.Minute, cfg.OAuth.PendingTTL)
	assert.True(t, cfg.OAuth.OpenBrowser)
	assert.Equal(t, "*/15 * * * *", cfg.Watch.Schedule)
	assert.False(t, cfg.Instrumentation.Enabled)
	assert.Equal(t, "prometheus", cfg.Instrumentation.MetricsExporter)
	assert.Equal(t, "none", cfg.Instrumentation.TracingExporter)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: DEBUG
  pretty: false
aggregate:
  concurrency: 8
  horizonDays: 7
preferences:
  resumeLastViewed: true
oauth:
  pendingTTL: 90s
credentialsFile: /etc/calfold/client.json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Dir(path), cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
	assert.Equal(t, 8, cfg.Aggregate.Concurrency)
	assert.Equal(t, 7, cfg.Aggregate.HorizonDays)
	assert.True(t, cfg.Preferences.ResumeLastViewed)
	assert.Equal(t, 90*time.Second, cfg.OAuth.PendingTTL)
	assert.Equal(t, "/etc/calfold/client.json", cfg.CredentialsFile)

	// Untouched keys keep their defaults.
	assert.Equal(t, "*/15 * * * *", cfg.Watch.Schedule)
	assert.Equal(t, filepath.Join(cfg.DataDir, TokensFile), cfg.TokensPath())
	assert.Equal(t, filepath.Join(cfg.DataDir, AccountsFile), cfg.AccountsPath())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CALFOLD_DATADIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 4, cfg.Aggregate.Concurrency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
aggregate:
  concurrency: 8
`)
	t.Setenv("CALFOLD_AGGREGATE_CONCURRENCY", "2")
	t.Setenv("CALFOLD_AGGREGATE_HORIZON_DAYS", "3")
	t.Setenv("CALFOLD_PREFERENCES_RESUMELASTVIEWED", "true")
	t.Setenv("CALFOLD_OAUTH_PENDING_TTL", "2m")
	t.Setenv("CALFOLD_WATCH_SCHEDULE", "0 * * * *")
	t.Setenv("CALFOLD_INSTRUMENTATION_TRACE_SAMPLING_RATE", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Aggregate.Concurrency)
	assert.Equal(t, 3, cfg.Aggregate.HorizonDays)
	assert.True(t, cfg.Preferences.ResumeLastViewed)
	assert.Equal(t, 2*time.Minute, cfg.OAuth.PendingTTL)
	assert.Equal(t, "0 * * * *", cfg.Watch.Schedule)
	assert.InDelta(t, 0.5, cfg.Instrumentation.TraceSamplingRate, 1e-9)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "zero concurrency", body: "aggregate:\n  concurrency: 0\n"},
		{name: "unknown log level", body: "log:\n  level: loud\n"},
		{name: "bad schedule", body: "watch:\n  schedule: every now and then\n"},
		{name: "bad exporter", body: "instrumentation:\n  metricsExporter: statsd\n"},
		{name: "sampling rate", body: "instrumentation:\n  traceSamplingRate: 2\n"},
		{name: "encryption key", body: "tokens:\n  encryptionKey: '%%%'\n"},
		{name: "yaml", body: "aggregate: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestCanonicalizeEnvKey(t *testing.T) {
	existing := defaults()

	tests := []struct {
		envKey string
		want   string
	}{
		{envKey: "AGGREGATE_CONCURRENCY", want: "aggregate.concurrency"},
		{envKey: "AGGREGATE_HORIZONDAYS", want: "aggregate.horizonDays"},
		{envKey: "AGGREGATE_HORIZON_DAYS", want: "aggregate.horizonDays"},
		{envKey: "OAUTH_REDIRECT_URL", want: "oauth.redirectURL"},
		{envKey: "DATADIR", want: "dataDir"},
		{envKey: "DATA_DIR", want: "dataDir"},
		{envKey: "NEW_FEATURE_FLAG", want: "new.feature.flag"},
	}

	for _, tt := range tests {
		t.Run(tt.envKey, func(t *testing.T) {
			assert.Equal(t, tt.want, canonicalizeEnvKey(tt.envKey, existing))
		})
	}
}

func TestCredentials(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	cfg.CredentialsFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = cfg.Credentials()
	assert.ErrorContains(t, err, "not found")

	cfg.CredentialsFile = filepath.Join(t.TempDir(), CredentialsFile)
	require.NoError(t, os.WriteFile(cfg.CredentialsFile, []byte(`{"installed":{}}`), 0o600))
	data, err := cfg.Credentials()
	require.NoError(t, err)
	assert.JSONEq(t, `{"installed":{}}`, string(data))
}

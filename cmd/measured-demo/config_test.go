package main

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
	path := filepath.Join(t.TempDir(), "measured.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, ReporterLog, cfg.Reporter.Type)
	assert.Equal(t, 15*time.Second, cfg.ReportInterval())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
report_interval_seconds: 5
reporter:
  type: remotewrite
  remote_write:
    url: http://prometheus:9090/api/v1/write
    custom_labels:
      region: eu
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.ReportInterval())
	assert.Equal(t, ReporterRemoteWrite, cfg.Reporter.Type)
	assert.Equal(t, "http://prometheus:9090/api/v1/write", cfg.Reporter.RemoteWrite.URL)
	assert.Equal(t, map[string]string{"region": "eu"}, cfg.Reporter.RemoteWrite.CustomLabels)
	assert.Equal(t, "measured-demo", cfg.Reporter.RemoteWrite.ServiceName, "unset fields keep defaults")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEASURED_LISTEN", ":7000")
	t.Setenv("MEASURED_REPORTER", "Prometheus")
	t.Setenv("MEASURED_REPORT_INTERVAL_SECONDS", "30")

	cfg, err := Load(writeConfig(t, "listen: \":9000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, ReporterPrometheus, cfg.Reporter.Type)
	assert.Equal(t, 30*time.Second, cfg.ReportInterval())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero interval", "report_interval_seconds: 0\n"},
		{"unknown reporter", "reporter:\n  type: statsd\n"},
		{"remote write without url", "reporter:\n  type: remotewrite\n"},
		{"bad prometheus path", "reporter:\n  type: prometheus\n  prometheus:\n    path: metrics\n"},
		{"malformed yaml", "listen: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadEnvInterval(t *testing.T) {
	t.Setenv("MEASURED_REPORT_INTERVAL_SECONDS", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

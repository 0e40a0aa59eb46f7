package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reporter types understood by the demo.
const (
	ReporterLog         = "log"
	ReporterRemoteWrite = "remotewrite"
	ReporterPrometheus  = "prometheus"
)

// FileConfig is the YAML configuration of the demo server.
type FileConfig struct {
	Listen                string         `yaml:"listen"`
	LogLevel              string         `yaml:"log_level"`
	ReportIntervalSeconds int            `yaml:"report_interval_seconds"`
	FlushOnShutdown       bool           `yaml:"flush_on_shutdown"`
	MaxSeries             int            `yaml:"max_series"`
	RuntimeMetrics        bool           `yaml:"runtime_metrics"`
	Reporter              ReporterConfig `yaml:"reporter"`
}

// ReporterConfig selects and configures the snapshot sink.
type ReporterConfig struct {
	Type        string            `yaml:"type"`
	RemoteWrite RemoteWriteConfig `yaml:"remote_write"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
}

type RemoteWriteConfig struct {
	URL            string            `yaml:"url"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	ServiceName    string            `yaml:"service_name"`
	CustomLabels   map[string]string `yaml:"custom_labels"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	DNSEnable      bool              `yaml:"dns_enable"`
	DNSUDPServers  []string          `yaml:"dns_udp_servers"`
}

type PrometheusConfig struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
	Path      string `yaml:"path"`
}

// ReportInterval returns the configured interval as a duration.
func (c *FileConfig) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalSeconds) * time.Second
}

func defaultConfig() *FileConfig {
	return &FileConfig{
		Listen:                ":8080",
		LogLevel:              "info",
		ReportIntervalSeconds: 15,
		FlushOnShutdown:       true,
		MaxSeries:             10000,
		RuntimeMetrics:        true,
		Reporter: ReporterConfig{
			Type: ReporterLog,
			RemoteWrite: RemoteWriteConfig{
				Namespace:      "app",
				Subsystem:      "prod",
				ServiceName:    "measured-demo",
				TimeoutSeconds: 15,
			},
			Prometheus: PrometheusConfig{
				Namespace: "app",
				Path:      "/metrics",
			},
		},
	}
}

// Load reads the configuration file, if any, and applies MEASURED_
// environment overrides on top of it.
func Load(filename string) (*FileConfig, error) {
	cfg := defaultConfig()

	if filename != "" {
		if err := loadFromFile(cfg, filename); err != nil {
			return nil, err
		}
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *FileConfig, filename string) error {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", filename)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func loadFromEnv(cfg *FileConfig) error {
	if addr := os.Getenv("MEASURED_LISTEN"); addr != "" {
		cfg.Listen = addr
	}
	if level := os.Getenv("MEASURED_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if v := os.Getenv("MEASURED_REPORT_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MEASURED_REPORT_INTERVAL_SECONDS: %w", err)
		}
		cfg.ReportIntervalSeconds = n
	}
	if t := os.Getenv("MEASURED_REPORTER"); t != "" {
		cfg.Reporter.Type = strings.ToLower(t)
	}
	if u := os.Getenv("MEASURED_REMOTE_WRITE_URL"); u != "" {
		cfg.Reporter.RemoteWrite.URL = u
	}
	return nil
}

func validate(cfg *FileConfig) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if cfg.ReportIntervalSeconds <= 0 {
		return fmt.Errorf("report interval must be positive, got %d", cfg.ReportIntervalSeconds)
	}
	if cfg.MaxSeries < 0 {
		return fmt.Errorf("max series cannot be negative")
	}

	switch cfg.Reporter.Type {
	case ReporterLog:
	case ReporterRemoteWrite:
		if cfg.Reporter.RemoteWrite.URL == "" {
			return fmt.Errorf("remote write url cannot be empty")
		}
	case ReporterPrometheus:
		if !strings.HasPrefix(cfg.Reporter.Prometheus.Path, "/") {
			return fmt.Errorf("prometheus path must start with /")
		}
	default:
		return fmt.Errorf("unknown reporter type %q", cfg.Reporter.Type)
	}
	return nil
}

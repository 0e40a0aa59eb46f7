// Package remotewrite reports snapshots to a Prometheus remote-write endpoint.
package remotewrite

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"go.uber.org/zap"

	"github.com/nikiz24/measured"
)

// Config defines the configuration of a remote-write Reporter.
type Config struct {
	// Remote write endpoint, e.g. http://prometheus:9090/api/v1/write
	URL string

	// Service identification. Series are named namespace_subsystem_metric.
	Namespace   string
	Subsystem   string
	ServiceName string

	// Instance information
	InstanceIP   string
	CustomLabels map[string]string

	// Timeout bounds a single write, including the retry after a DNS refresh.
	Timeout time.Duration

	// Optional logger
	Logger *zap.Logger

	// DNS resolver options (optional, for advanced use cases)
	DNSEnable          bool
	DNSCacheTTL        time.Duration
	DNSRefreshInterval time.Duration
	DNSTimeout         time.Duration
	DNSUDPServers      []string // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers      []string // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints    []string // e.g. ["https://cloudflare-dns.com/dns-query"]
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Namespace:    "app",
		Subsystem:    "prod",
		ServiceName:  "service",
		Timeout:      15 * time.Second,
		CustomLabels: make(map[string]string),
	}
}

// Reporter converts snapshots to remote-write time series and sends them.
type Reporter struct {
	config Config
	logger *zap.Logger
	prefix string

	mutex  sync.Mutex
	client *promwrite.Client
	dns    *dnsRefresher
}

// New creates a remote-write reporter.
func New(config Config) (*Reporter, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("remote write url cannot be empty")
	}
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote write url: %w", err)
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.InstanceIP == "" {
		config.InstanceIP = instanceAddress()
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	parts := make([]string, 0, 2)
	for _, p := range []string{config.Namespace, config.Subsystem} {
		if p != "" {
			parts = append(parts, sanitizeName(p))
		}
	}

	return &Reporter{
		config: config,
		logger: logger,
		prefix: strings.Join(parts, "_"),
		client: promwrite.NewClient(config.URL),
		dns:    newDNSRefresher(u.Hostname(), config, logger),
	}, nil
}

// Report implements measured.Reporter.
func (r *Reporter) Report(ctx context.Context, samples []measured.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	if r.dns.due() {
		r.refreshClient(ctx, false)
	}

	req := &promwrite.WriteRequest{TimeSeries: r.timeSeries(samples)}

	_, err := r.currentClient().Write(ctx, req)
	if err == nil {
		return nil
	}
	// On DNS-related failures, try a forced DNS refresh once
	if r.refreshClient(ctx, true) {
		if _, retryErr := r.currentClient().Write(ctx, req); retryErr != nil {
			return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
		}
		return nil
	}
	return fmt.Errorf("writing time series failed: %w", err)
}

func (r *Reporter) currentClient() *promwrite.Client {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.client
}

// refreshClient re-resolves the endpoint host and recreates the client to force
// new connections when the address set changed.
func (r *Reporter) refreshClient(ctx context.Context, force bool) bool {
	if !r.dns.refresh(ctx, force) {
		return false
	}
	r.mutex.Lock()
	r.client = promwrite.NewClient(r.config.URL)
	r.mutex.Unlock()
	r.logger.Info("Refreshed remote write client after DNS update",
		zap.String("host", r.dns.host),
		zap.Strings("ips", r.dns.addresses()))
	return true
}

// timeSeries converts samples to one series per reported figure. Timers expand
// into count, total, mean, min and max series in milliseconds.
func (r *Reporter) timeSeries(samples []measured.Sample) []promwrite.TimeSeries {
	result := make([]promwrite.TimeSeries, 0, len(samples))
	for _, s := range samples {
		base := r.seriesName(s.Name)
		switch s.Value.Kind {
		case measured.KindCounter:
			result = append(result, r.series(base, s, float64(s.Value.Count)))
		case measured.KindGauge:
			result = append(result, r.series(base, s, s.Value.Gauge))
		case measured.KindTimer:
			t := s.Value.Timer
			result = append(result,
				r.series(base+"_count", s, float64(t.Count)),
				r.series(base+"_total_ms", s, t.Total),
				r.series(base+"_mean_ms", s, t.Mean),
				r.series(base+"_min_ms", s, t.Min),
				r.series(base+"_max_ms", s, t.Max),
			)
		}
	}
	return result
}

func (r *Reporter) seriesName(name string) string {
	if r.prefix == "" {
		return sanitizeName(name)
	}
	return r.prefix + "_" + sanitizeName(name)
}

func (r *Reporter) series(name string, s measured.Sample, value float64) promwrite.TimeSeries {
	labels := make([]promwrite.Label, 0, 4+len(r.config.CustomLabels)+s.Dimensions.Len())
	labels = append(labels,
		promwrite.Label{Name: "__name__", Value: name},
		promwrite.Label{Name: "_instance_", Value: r.config.InstanceIP},
		promwrite.Label{Name: "instance", Value: r.config.InstanceIP},
		promwrite.Label{Name: "_target_", Value: r.config.ServiceName},
	)
	for k, v := range r.config.CustomLabels {
		labels = append(labels, promwrite.Label{Name: sanitizeName(k), Value: v})
	}
	for _, k := range s.Dimensions.Names() {
		v, _ := s.Dimensions.Get(k)
		labels = append(labels, promwrite.Label{Name: sanitizeName(k), Value: v})
	}
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

	return promwrite.TimeSeries{
		Labels: labels,
		Sample: promwrite.Sample{Time: s.Timestamp, Value: value},
	}
}

// sanitizeName maps characters outside [a-zA-Z0-9_:] to underscores.
func sanitizeName(s string) string {
	b := []byte(s)
	for i, c := range b {
		valid := c == '_' || c == ':' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9' && i > 0)
		if !valid {
			b[i] = '_'
		}
	}
	return string(b)
}

// instanceAddress returns the outbound IPv4 address of the local machine,
// falling back to the hostname.
func instanceAddress() string {
	if ip, err := GetOutboundIPv4(); err == nil {
		return ip
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// GetOutboundIPv4 gets the outbound IPv4 address of the local machine
func GetOutboundIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// Package promexport exposes reported snapshots on a Prometheus scrape endpoint.
//
// Counter and timer windows arrive reset on every report, so the exporter
// accumulates them into monotonic totals: counters become Prometheus counters
// and timers become summaries of milliseconds. Gauges export their last level.
package promexport

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nikiz24/measured"
)

// Options for creating an Exporter
type Options struct {
	Namespace   string
	Subsystem   string
	ConstLabels map[string]string
	Logger      *zap.Logger
}

type series struct {
	kind   measured.Kind
	fqName string
	names  []string
	values []string
	count  uint64
	sum    float64
	gauge  float64
}

// Exporter is a measured.Reporter and a prometheus.Collector.
type Exporter struct {
	opts   Options
	logger *zap.Logger

	mu     sync.RWMutex
	series map[string]*series
	// families pins the label names of each metric family to the first
	// dimension set seen for it.
	families map[string]string
	// owners maps a series identity (fqName plus label values) to the
	// storage key that first claimed it.
	owners map[string]string
}

// New creates an Exporter.
func New(opts Options) *Exporter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		opts:     opts,
		logger:   logger,
		series:   make(map[string]*series),
		families: make(map[string]string),
		owners:   make(map[string]string),
	}
}

// Report implements measured.Reporter.
func (e *Exporter) Report(_ context.Context, samples []measured.Sample) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range samples {
		fqName := e.fqName(s)
		names := s.Dimensions.Names()
		values := make([]string, len(names))
		for i, n := range names {
			values[i], _ = s.Dimensions.Get(n)
		}
		for i := range names {
			names[i] = sanitize(names[i])
		}

		family := s.Value.Kind.String() + "|" + strings.Join(names, ",")
		if prev, ok := e.families[fqName]; ok && prev != family {
			e.logger.Warn("Skipping sample with inconsistent label names",
				zap.String("metric", fqName),
				zap.String("key", s.Key))
			continue
		}
		e.families[fqName] = family

		sr, ok := e.series[s.Key]
		if !ok {
			id := fqName + "\xff" + strings.Join(values, "\xff")
			if owner, taken := e.owners[id]; taken && owner != s.Key {
				e.logger.Warn("Skipping sample that collides with another series",
					zap.String("metric", fqName),
					zap.String("key", s.Key),
					zap.String("existing_key", owner))
				continue
			}
			e.owners[id] = s.Key
			sr = &series{kind: s.Value.Kind, fqName: fqName, names: names, values: values}
			e.series[s.Key] = sr
		}
		switch s.Value.Kind {
		case measured.KindCounter:
			sr.count += uint64(max(s.Value.Count, 0))
		case measured.KindTimer:
			sr.count += uint64(max(s.Value.Timer.Count, 0))
			sr.sum += s.Value.Timer.Total
		case measured.KindGauge:
			sr.gauge = s.Value.Gauge
		}
	}
	return nil
}

func (e *Exporter) fqName(s measured.Sample) string {
	name := sanitize(s.Name)
	switch s.Value.Kind {
	case measured.KindCounter:
		name += "_total"
	case measured.KindTimer:
		name += "_milliseconds"
	}
	return prometheus.BuildFQName(sanitize(e.opts.Namespace), sanitize(e.opts.Subsystem), name)
}

// Describe sends no descriptors; the exporter is an unchecked collector since
// its series are only known once reports arrive.
func (e *Exporter) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.series))
	for k := range e.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sr := e.series[k]
		desc := prometheus.NewDesc(sr.fqName, "Reported by measured.", sr.names, e.opts.ConstLabels)
		var (
			m   prometheus.Metric
			err error
		)
		switch sr.kind {
		case measured.KindCounter:
			m, err = prometheus.NewConstMetric(desc, prometheus.CounterValue, float64(sr.count), sr.values...)
		case measured.KindGauge:
			m, err = prometheus.NewConstMetric(desc, prometheus.GaugeValue, sr.gauge, sr.values...)
		case measured.KindTimer:
			m, err = prometheus.NewConstSummary(desc, sr.count, sr.sum, nil, sr.values...)
		}
		if err != nil {
			e.logger.Warn("Failed to build prometheus metric", zap.String("key", k), zap.Error(err))
			continue
		}
		ch <- m
	}
}

// Registry returns a new prometheus registry with the exporter registered.
func (e *Exporter) Registry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(e); err != nil {
		return nil, err
	}
	return reg, nil
}

// Handler serves the exporter's metrics in the Prometheus exposition format.
func (e *Exporter) Handler() (http.Handler, error) {
	reg, err := e.Registry()
	if err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// sanitize maps characters that are invalid in metric and label names to
// underscores.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

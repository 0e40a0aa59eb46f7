package measured

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricWrapper pairs a metric's identity with its live value.
type MetricWrapper struct {
	Name       string
	Dimensions Dimensions
	Metric     Metric
}

// TimerSource hands out request timers. Both *Registry and
// *SelfReportingRegistry implement it.
type TimerSource interface {
	Timer(name string, dims Dimensions) (*Timer, error)
}

// Registry stores metrics by name and dimensions. It is safe for concurrent use.
type Registry struct {
	mutex   sync.RWMutex
	metrics map[string]*MetricWrapper

	logger     *zap.Logger
	maxSeries  int
	limitNoted bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxSeries caps the number of distinct keys. Creating a key beyond the
// cap fails with ErrCardinalityLimit. 0 means no limit.
func WithMaxSeries(n int) RegistryOption {
	return func(r *Registry) { r.maxSeries = n }
}

// WithRegistryLogger sets the logger used for limit warnings.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		metrics: make(map[string]*MetricWrapper),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// HasMetric reports whether a metric is registered for name and dims.
func (r *Registry) HasMetric(name string, dims Dimensions) bool {
	key := StorageKey(name, dims)
	r.mutex.RLock()
	_, ok := r.metrics[key]
	r.mutex.RUnlock()
	return ok
}

// GetMetric returns the metric registered for name and dims, or ErrNotFound.
func (r *Registry) GetMetric(name string, dims Dimensions) (Metric, error) {
	w, err := r.GetMetricWrapperByKey(StorageKey(name, dims))
	if err != nil {
		return nil, err
	}
	return w.Metric, nil
}

// GetMetricWrapperByKey returns the entry stored under key, or ErrNotFound.
func (r *Registry) GetMetricWrapperByKey(key string) (MetricWrapper, error) {
	r.mutex.RLock()
	w, ok := r.metrics[key]
	r.mutex.RUnlock()
	if !ok {
		return MetricWrapper{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return *w, nil
}

// PutMetric stores metric under the key derived from name and dims, replacing
// any previous entry, and returns the key. The series limit does not apply.
// A nil metric is rejected with ErrTypeMismatch.
func (r *Registry) PutMetric(name string, metric Metric, dims Dimensions) (string, error) {
	key := StorageKey(name, dims)
	if metric == nil {
		return "", fmt.Errorf("%w: nil metric for %q", ErrTypeMismatch, key)
	}
	r.mutex.Lock()
	r.metrics[key] = &MetricWrapper{Name: name, Dimensions: dims, Metric: metric}
	r.mutex.Unlock()
	return key, nil
}

// AllKeys returns every registered key in sorted order.
func (r *Registry) AllKeys() []string {
	r.mutex.RLock()
	keys := make([]string, 0, len(r.metrics))
	for k := range r.metrics {
		keys = append(keys, k)
	}
	r.mutex.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.metrics)
}

// GetOrCreate returns the entry for name and dims, constructing it with
// newMetric if absent. Concurrent callers racing on the same key all receive
// the single entry that was stored; newMetric runs at most once per key.
func (r *Registry) GetOrCreate(name string, dims Dimensions, newMetric func() Metric) (MetricWrapper, error) {
	key := StorageKey(name, dims)

	r.mutex.RLock()
	w, exists := r.metrics[key]
	r.mutex.RUnlock()
	if exists {
		return *w, nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if w, exists = r.metrics[key]; exists {
		return *w, nil
	}
	if r.maxSeries > 0 && len(r.metrics) >= r.maxSeries {
		if !r.limitNoted {
			r.limitNoted = true
			r.logger.Warn("Metric series limit reached, new keys are rejected",
				zap.Int("max_series", r.maxSeries),
				zap.String("key", key))
		}
		return MetricWrapper{}, fmt.Errorf("%w (%d): %q", ErrCardinalityLimit, r.maxSeries, key)
	}
	m := newMetric()
	if m == nil {
		return MetricWrapper{}, fmt.Errorf("%w: nil metric for %q", ErrTypeMismatch, key)
	}
	w = &MetricWrapper{Name: name, Dimensions: dims, Metric: m}
	r.metrics[key] = w
	return *w, nil
}

// Counter returns the counter for name and dims, creating it if needed.
func (r *Registry) Counter(name string, dims Dimensions) (*Counter, error) {
	w, err := r.GetOrCreate(name, dims, func() Metric { return NewCounter() })
	if err != nil {
		return nil, err
	}
	c, ok := w.Metric.(*Counter)
	if !ok {
		return nil, kindMismatch(name, dims, KindCounter, w.Metric)
	}
	return c, nil
}

// Timer returns the timer for name and dims, creating it if needed.
func (r *Registry) Timer(name string, dims Dimensions) (*Timer, error) {
	w, err := r.GetOrCreate(name, dims, func() Metric { return NewTimer() })
	if err != nil {
		return nil, err
	}
	t, ok := w.Metric.(*Timer)
	if !ok {
		return nil, kindMismatch(name, dims, KindTimer, w.Metric)
	}
	return t, nil
}

// Gauge returns the gauge for name and dims, creating it if needed.
func (r *Registry) Gauge(name string, dims Dimensions) (*Gauge, error) {
	w, err := r.GetOrCreate(name, dims, func() Metric { return NewGauge() })
	if err != nil {
		return nil, err
	}
	g, ok := w.Metric.(*Gauge)
	if !ok {
		return nil, kindMismatch(name, dims, KindGauge, w.Metric)
	}
	return g, nil
}

func kindMismatch(name string, dims Dimensions, want Kind, got Metric) error {
	held := "nil metric"
	if got != nil {
		held = "a " + got.Kind().String()
	}
	return fmt.Errorf("%w: %q holds %s, not a %s",
		ErrTypeMismatch, StorageKey(name, dims), held, want)
}

// Snapshot collects every registered metric, applying each kind's windowing
// policy, and returns the samples ordered by key. A metric that panics while
// collecting is logged and left out of the result.
func (r *Registry) Snapshot(now time.Time) []Sample {
	samples, err := r.collect(now)
	if err != nil {
		r.logger.Error("Failed to collect metrics", zap.Error(err))
	}
	return samples
}

// collect is Snapshot without the logging. The error joins one
// ErrCollectFailure per metric that was skipped.
func (r *Registry) collect(now time.Time) ([]Sample, error) {
	r.mutex.RLock()
	entries := make([]struct {
		key string
		w   *MetricWrapper
	}, 0, len(r.metrics))
	for k, w := range r.metrics {
		entries = append(entries, struct {
			key string
			w   *MetricWrapper
		}{key: k, w: w})
	}
	r.mutex.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	samples := make([]Sample, 0, len(entries))
	var errs []error
	for _, e := range entries {
		v, err := collectValue(e.key, e.w.Metric)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		samples = append(samples, Sample{
			Key:        e.key,
			Name:       e.w.Name,
			Dimensions: e.w.Dimensions,
			Value:      v,
			Timestamp:  now,
		})
	}
	return samples, errors.Join(errs...)
}

func collectValue(key string, m Metric) (v Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %q: panic: %v", ErrCollectFailure, key, p)
		}
	}()
	return m.Collect(), nil
}

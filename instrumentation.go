package measured

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRequestMetric is the metric name used for request timers.
	DefaultRequestMetric = "requests"
	// DefaultUnmatchedRoute labels requests that matched no route template.
	DefaultUnmatchedRoute = "unmatched"

	DimensionMethod     = "method"
	DimensionStatusCode = "statusCode"
	DimensionURI        = "uri"
)

// Instrumentation turns request/response pairs into timer measurements keyed
// by method, status code and route template. Framework adapters call Begin
// when a request arrives and Complete once the response is written.
type Instrumentation struct {
	source    TimerSource
	name      string
	unmatched string
	now       func() time.Time
	logger    *zap.Logger
}

// InstrumentationOption configures an Instrumentation.
type InstrumentationOption func(*Instrumentation)

// WithMetricName overrides DefaultRequestMetric.
func WithMetricName(name string) InstrumentationOption {
	return func(i *Instrumentation) { i.name = name }
}

// WithUnmatchedRoute sets the uri label used when no route template matched.
func WithUnmatchedRoute(label string) InstrumentationOption {
	return func(i *Instrumentation) { i.unmatched = label }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) InstrumentationOption {
	return func(i *Instrumentation) { i.now = now }
}

// WithLogger sets the logger used when a measurement cannot be recorded.
func WithLogger(l *zap.Logger) InstrumentationOption {
	return func(i *Instrumentation) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewInstrumentation creates request instrumentation recording into source.
func NewInstrumentation(source TimerSource, opts ...InstrumentationOption) *Instrumentation {
	i := &Instrumentation{
		source:    source,
		name:      DefaultRequestMetric,
		unmatched: DefaultUnmatchedRoute,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		if o != nil {
			o(i)
		}
	}
	return i
}

// Observation tracks a single in-flight request.
type Observation struct {
	inst   *Instrumentation
	method string
	start  time.Time
	once   sync.Once
}

// Begin captures the start of a request.
func (i *Instrumentation) Begin(method string) *Observation {
	return &Observation{inst: i, method: method, start: i.now()}
}

// Complete records the elapsed time for the request. route must be the
// template that matched, e.g. /users/:userId, never the resolved path; an
// empty route is labelled with the unmatched label. Only the first call
// records anything.
func (o *Observation) Complete(route string, status int) {
	o.once.Do(func() {
		o.inst.record(o.method, route, status, o.inst.now().Sub(o.start))
	})
}

// RequestDimensions derives the request dimensions.
func (i *Instrumentation) RequestDimensions(method, route string, status int) Dimensions {
	if route == "" {
		route = i.unmatched
	}
	return Dimensions{labels: map[string]string{
		DimensionMethod:     method,
		DimensionStatusCode: strconv.Itoa(status),
		DimensionURI:        route,
	}}
}

func (i *Instrumentation) record(method, route string, status int, elapsed time.Duration) {
	dims := i.RequestDimensions(method, route, status)
	timer, err := i.source.Timer(i.name, dims)
	if err != nil {
		i.logger.Warn("Dropped request measurement",
			zap.String("metric", i.name),
			zap.Stringer("dimensions", dims),
			zap.Error(err))
		return
	}
	timer.Record(elapsed)
}

package measured

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the metric variant.
type Kind int

// Metric kinds.
const (
	KindCounter Kind = iota
	KindTimer
	KindGauge
)

// String returns the lower-case kind name, or "unknown".
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindTimer:
		return "timer"
	case KindGauge:
		return "gauge"
	default:
		return "unknown"
	}
}

// Metric is a live measurement owned by a single registry entry.
//
// Collect returns the value for the current reporting window and applies the
// kind's windowing policy: counters and timers start a fresh window, gauges
// keep their level.
type Metric interface {
	Kind() Kind
	Collect() Value
}

// Value is a point-in-time reading of a Metric.
type Value struct {
	Kind Kind
	// Count is the counter value, or the number of timer samples.
	Count int64
	// Gauge is the last-set level of a gauge.
	Gauge float64
	// Timer holds the window aggregates of a timer.
	Timer TimerSnapshot
}

// Counter counts events. Its count is reset by every Collect, so each report
// carries the events since the previous one.
type Counter struct {
	val atomic.Int64
}

// NewCounter creates a zeroed counter.
func NewCounter() *Counter { return &Counter{} }

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.val.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.val.Add(n) }

// Count returns the current count without resetting it.
func (c *Counter) Count() int64 { return c.val.Load() }

// ValueAndReset atomically returns the count and replaces it with zero.
// An increment racing with the swap lands in exactly one window.
func (c *Counter) ValueAndReset() int64 { return c.val.Swap(0) }

// Kind returns KindCounter.
func (c *Counter) Kind() Kind { return KindCounter }

// Collect returns the count since the previous Collect and resets it.
func (c *Counter) Collect() Value {
	return Value{Kind: KindCounter, Count: c.ValueAndReset()}
}

// TimerSnapshot aggregates the durations recorded in one window, in milliseconds.
type TimerSnapshot struct {
	Count int64
	Total float64
	Mean  float64
	Min   float64
	Max   float64
}

// Timer records durations. Collect hands out the window and starts a new one.
type Timer struct {
	mu    sync.Mutex
	count int64
	total float64
	min   float64
	max   float64
}

// NewTimer creates an empty timer.
func NewTimer() *Timer { return &Timer{} }

// Record adds a duration sample and increments the sample count.
func (t *Timer) Record(d time.Duration) {
	t.RecordMillis(float64(d) / float64(time.Millisecond))
}

// RecordMillis adds a sample expressed in milliseconds.
func (t *Timer) RecordMillis(ms float64) {
	t.mu.Lock()
	if t.count == 0 {
		t.min, t.max = ms, ms
	} else {
		t.min = math.Min(t.min, ms)
		t.max = math.Max(t.max, ms)
	}
	t.count++
	t.total += ms
	t.mu.Unlock()
}

// Snapshot returns the current window without resetting it.
func (t *Timer) Snapshot() TimerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// SnapshotAndReset returns the current window and clears it under one lock.
func (t *Timer) SnapshotAndReset() TimerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snapshotLocked()
	t.count, t.total, t.min, t.max = 0, 0, 0, 0
	return s
}

func (t *Timer) snapshotLocked() TimerSnapshot {
	s := TimerSnapshot{Count: t.count, Total: t.total, Min: t.min, Max: t.max}
	if t.count > 0 {
		s.Mean = t.total / float64(t.count)
	}
	return s
}

// Kind returns KindTimer.
func (t *Timer) Kind() Kind { return KindTimer }

// Collect returns the current window and starts a new one.
func (t *Timer) Collect() Value {
	s := t.SnapshotAndReset()
	return Value{Kind: KindTimer, Count: s.Count, Timer: s}
}

// Gauge holds the last value set. It is never reset by Collect.
type Gauge struct {
	bits atomic.Uint64
}

// NewGauge creates a gauge reading zero.
func NewGauge() *Gauge { return &Gauge{} }

// Set replaces the gauge level.
func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// Value returns the gauge level.
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Kind returns KindGauge.
func (g *Gauge) Kind() Kind { return KindGauge }

// Collect returns the gauge level.
func (g *Gauge) Collect() Value {
	return Value{Kind: KindGauge, Gauge: g.Value()}
}

// CallbackGauge reads its level from fn on every Collect.
type CallbackGauge struct {
	fn func() float64
}

// NewCallbackGauge creates a gauge backed by fn. fn must be safe for
// concurrent use.
func NewCallbackGauge(fn func() float64) *CallbackGauge {
	return &CallbackGauge{fn: fn}
}

// Value calls the callback.
func (g *CallbackGauge) Value() float64 { return g.fn() }

// Kind returns KindGauge.
func (g *CallbackGauge) Kind() Kind { return KindGauge }

// Collect calls the callback and returns its result as the gauge level.
func (g *CallbackGauge) Collect() Value {
	return Value{Kind: KindGauge, Gauge: g.fn()}
}

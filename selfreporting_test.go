package measured

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recordingReporter keeps every snapshot it receives.
type recordingReporter struct {
	mu        sync.Mutex
	snapshots [][]Sample
}

func (r *recordingReporter) Report(_ context.Context, samples []Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, samples)
	return nil
}

func (r *recordingReporter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recordingReporter) last() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func TestNewSelfReportingRegistryValidates(t *testing.T) {
	_, err := NewSelfReportingRegistry(nil, DefaultConfig())
	assert.Error(t, err)

	_, err = NewSelfReportingRegistry(&recordingReporter{}, Config{ReportInterval: -time.Second})
	assert.Error(t, err)

	s, err := NewSelfReportingRegistry(&recordingReporter{}, Config{})
	require.NoError(t, err)
	defer s.Shutdown()
	assert.Equal(t, 15*time.Second, s.config.ReportInterval)
	assert.True(t, s.Status().Running)
}

func TestReportsOnEveryTick(t *testing.T) {
	reg := NewRegistry()
	c, err := reg.Counter("events", Dimensions{})
	require.NoError(t, err)
	c.Add(2)

	rep := &recordingReporter{}
	s, err := NewSelfReportingRegistry(rep, Config{ReportInterval: 10 * time.Millisecond, Registry: reg})
	require.NoError(t, err)
	defer s.Shutdown()

	require.Eventually(t, func() bool { return rep.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)

	var total int64
	rep.mu.Lock()
	for _, snap := range rep.snapshots {
		require.Len(t, snap, 1)
		assert.Equal(t, "events", snap[0].Key)
		total += snap[0].Value.Count
	}
	rep.mu.Unlock()
	assert.Equal(t, int64(2), total, "each increment is reported in exactly one window")
	assert.GreaterOrEqual(t, s.Status().Ticks, int64(2))
	assert.False(t, s.Status().LastReport.IsZero())
}

func TestNoReportAfterShutdown(t *testing.T) {
	rep := &recordingReporter{}
	s, err := NewSelfReportingRegistry(rep, Config{ReportInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rep.calls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	s.Shutdown()
	after := rep.calls()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, rep.calls())
	assert.False(t, s.Status().Running)

	s.Shutdown()
	assert.Equal(t, after, rep.calls(), "second shutdown is a no-op")
}

func TestShutdownWaitsForInFlightTick(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	rep := ReporterFunc(func(context.Context, []Sample) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})

	s, err := NewSelfReportingRegistry(rep, Config{ReportInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Shutdown()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Shutdown returned while a tick was in progress")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after the tick completed")
	}

	n := calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
	assert.Equal(t, int32(1), n)
}

func TestReporterFailureDoesNotStopLoop(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var calls atomic.Int32
	rep := ReporterFunc(func(context.Context, []Sample) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("sink unavailable")
		case 2:
			panic("reporter bug")
		}
		return nil
	})

	s, err := NewSelfReportingRegistry(rep, Config{
		ReportInterval: 10 * time.Millisecond,
		Logger:         zap.New(core),
	})
	require.NoError(t, err)
	defer s.Shutdown()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), s.Status().Failures)

	entries := logs.FilterMessage("Failed to report metrics").All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		errVal, ok := e.ContextMap()["error"].(string)
		require.True(t, ok)
		assert.Contains(t, errVal, ErrReporterFailure.Error())
	}
}

func TestFlushAppliesWindowingPolicy(t *testing.T) {
	rep := &recordingReporter{}
	s, err := NewSelfReportingRegistry(rep, Config{ReportInterval: time.Hour})
	require.NoError(t, err)
	defer s.Shutdown()

	c, _ := s.Counter("events", Dimensions{})
	g, _ := s.Gauge("level", Dimensions{})
	tm, _ := s.Timer("latency", Dimensions{})
	c.Add(4)
	g.Set(9)
	tm.RecordMillis(3)

	require.NoError(t, s.Flush(context.Background()))
	first := rep.last()
	require.Len(t, first, 3)
	assert.Equal(t, []string{"events", "latency", "level"}, []string{first[0].Key, first[1].Key, first[2].Key})
	assert.Equal(t, int64(4), first[0].Value.Count)
	assert.Equal(t, int64(1), first[1].Value.Timer.Count)
	assert.Equal(t, 9.0, first[2].Value.Gauge)

	require.NoError(t, s.Flush(context.Background()))
	second := rep.last()
	assert.Equal(t, int64(0), second[0].Value.Count, "counter restarts after a report")
	assert.Equal(t, int64(0), second[1].Value.Timer.Count, "timer window restarts after a report")
	assert.Equal(t, 9.0, second[2].Value.Gauge, "gauge keeps its level")
}

func TestFlushSurfacesReporterFailure(t *testing.T) {
	rep := ReporterFunc(func(context.Context, []Sample) error { return errors.New("down") })
	s, err := NewSelfReportingRegistry(rep, Config{ReportInterval: time.Hour})
	require.NoError(t, err)

	err = s.Flush(context.Background())
	assert.ErrorIs(t, err, ErrReporterFailure)

	s.Shutdown()
	assert.ErrorIs(t, s.Flush(context.Background()), ErrShutdown)
}

func TestFinalFlushIsOptIn(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		rep := &recordingReporter{}
		s, err := NewSelfReportingRegistry(rep, Config{ReportInterval: time.Hour})
		require.NoError(t, err)
		c, _ := s.Counter("events", Dimensions{})
		c.Inc()

		s.Shutdown()
		assert.Zero(t, rep.calls())
	})

	t.Run("enabled", func(t *testing.T) {
		rep := &recordingReporter{}
		s, err := NewSelfReportingRegistry(rep, Config{ReportInterval: time.Hour, FlushOnShutdown: true})
		require.NoError(t, err)
		c, _ := s.Counter("events", Dimensions{})
		c.Inc()

		s.Shutdown()
		s.Shutdown()
		require.Equal(t, 1, rep.calls())
		assert.Equal(t, int64(1), rep.last()[0].Value.Count)
	})
}

func TestSharedRegistry(t *testing.T) {
	reg := NewRegistry()
	s, err := NewSelfReportingRegistry(&recordingReporter{}, Config{ReportInterval: time.Hour, Registry: reg})
	require.NoError(t, err)
	defer s.Shutdown()

	assert.Same(t, reg, s.Registry())
	_, err = s.Timer("requests", MustDimensions("uri", "/hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{"requests-/hello"}, reg.AllKeys())
}

func TestPanickingMetricDoesNotStopLoop(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	reg := NewRegistry()
	_, err := reg.PutMetric("broken", NewCallbackGauge(func() float64 { panic("boom") }), Dimensions{})
	require.NoError(t, err)
	g, err := reg.Gauge("level", Dimensions{})
	require.NoError(t, err)
	g.Set(3)

	rep := &recordingReporter{}
	s, err := NewSelfReportingRegistry(rep, Config{
		ReportInterval: 10 * time.Millisecond,
		Registry:       reg,
		Logger:         zap.New(core),
	})
	require.NoError(t, err)
	defer s.Shutdown()

	require.Eventually(t, func() bool { return rep.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	last := rep.last()
	require.Len(t, last, 1, "the remaining samples are still reported")
	assert.Equal(t, "level", last[0].Key)
	assert.Equal(t, 3.0, last[0].Value.Gauge)

	assert.GreaterOrEqual(t, s.Status().Failures, int64(2))
	assert.True(t, s.Status().Running)
	assert.GreaterOrEqual(t, logs.FilterMessage("Failed to collect metrics").Len(), 2)
}

func TestFlushSurfacesCollectFailure(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.PutMetric("broken", NewCallbackGauge(func() float64 { panic("boom") }), Dimensions{})
	require.NoError(t, err)
	c, err := reg.Counter("events", Dimensions{})
	require.NoError(t, err)
	c.Inc()

	rep := &recordingReporter{}
	s, err := NewSelfReportingRegistry(rep, Config{ReportInterval: time.Hour, Registry: reg})
	require.NoError(t, err)
	defer s.Shutdown()

	err = s.Flush(context.Background())
	assert.ErrorIs(t, err, ErrCollectFailure)
	assert.NotErrorIs(t, err, ErrReporterFailure)
	require.Equal(t, 1, rep.calls())
	require.Len(t, rep.last(), 1)
	assert.Equal(t, int64(1), rep.last()[0].Value.Count)
	assert.Equal(t, int64(1), s.Status().Failures)
	assert.False(t, s.Status().LastReport.IsZero(), "delivery itself succeeded")
}

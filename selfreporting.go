package measured

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config defines the configuration of a SelfReportingRegistry.
type Config struct {
	// ReportInterval is the fixed rate at which snapshots are reported.
	ReportInterval time.Duration

	// FlushOnShutdown makes the first Shutdown call report one final snapshot
	// after the loop has stopped.
	FlushOnShutdown bool

	// MaxSeries caps the number of distinct keys of a registry created by
	// NewSelfReportingRegistry. Ignored when Registry is set.
	MaxSeries int

	// Registry to report from. A new one is created when nil.
	Registry *Registry

	// Optional logger
	Logger *zap.Logger
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ReportInterval: 15 * time.Second,
	}
}

// Status describes the reporting loop.
type Status struct {
	Running    bool
	Ticks      int64
	// Failures counts reports whose collection or delivery failed.
	Failures   int64
	LastReport time.Time
}

// SelfReportingRegistry wraps a Registry with a background loop that hands a
// snapshot to a Reporter at a fixed interval.
type SelfReportingRegistry struct {
	registry *Registry
	reporter Reporter
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// reportMutex serializes ticks, Flush and the final flush.
	reportMutex sync.Mutex
	stopped     bool
	stopOnce    sync.Once

	ticks      atomic.Int64
	failures   atomic.Int64
	lastReport atomic.Int64
}

// NewSelfReportingRegistry creates the registry and starts reporting immediately.
func NewSelfReportingRegistry(reporter Reporter, config Config) (*SelfReportingRegistry, error) {
	if reporter == nil {
		return nil, fmt.Errorf("reporter cannot be nil")
	}
	if config.ReportInterval < 0 {
		return nil, fmt.Errorf("report interval cannot be negative: %s", config.ReportInterval)
	}
	if config.ReportInterval == 0 {
		config.ReportInterval = DefaultConfig().ReportInterval
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := config.Registry
	if registry == nil {
		registry = NewRegistry(WithMaxSeries(config.MaxSeries), WithRegistryLogger(logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SelfReportingRegistry{
		registry: registry,
		reporter: reporter,
		config:   config,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.start()
	return s, nil
}

func (s *SelfReportingRegistry) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.ReportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.ctx.Done():
				return
			}
		}
	}()

	s.logger.Debug("Started self reporting registry",
		zap.Duration("interval", s.config.ReportInterval))
}

func (s *SelfReportingRegistry) tick() {
	s.reportMutex.Lock()
	defer s.reportMutex.Unlock()
	// Shutdown may have been requested while we waited for a tick.
	if s.ctx.Err() != nil {
		return
	}
	_ = s.reportLocked(context.Background())
}

func (s *SelfReportingRegistry) reportLocked(ctx context.Context) error {
	samples, cerr := s.registry.collect(s.now())
	s.ticks.Add(1)
	if cerr != nil {
		s.logger.Error("Failed to collect metrics", zap.Error(cerr))
	}
	derr := s.deliver(ctx, samples)
	if derr != nil {
		s.logger.Error("Failed to report metrics",
			zap.Int("samples", len(samples)),
			zap.Error(derr))
	} else {
		s.lastReport.Store(s.now().UnixNano())
	}
	if err := errors.Join(cerr, derr); err != nil {
		s.failures.Add(1)
		return err
	}
	return nil
}

// deliver calls the reporter, turning errors and panics into ErrReporterFailure.
func (s *SelfReportingRegistry) deliver(ctx context.Context, samples []Sample) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrReporterFailure, p)
		}
	}()
	if rerr := s.reporter.Report(ctx, samples); rerr != nil {
		return fmt.Errorf("%w: %w", ErrReporterFailure, rerr)
	}
	return nil
}

// Flush reports a snapshot immediately, outside the regular schedule.
// The returned error wraps ErrCollectFailure if a metric panicked while
// collecting, ErrReporterFailure if the reporter failed, and is ErrShutdown
// once Shutdown has been called.
func (s *SelfReportingRegistry) Flush(ctx context.Context) error {
	s.reportMutex.Lock()
	defer s.reportMutex.Unlock()
	if s.stopped || s.ctx.Err() != nil {
		return ErrShutdown
	}
	return s.reportLocked(ctx)
}

// Shutdown stops the reporting loop. A tick already in progress completes;
// none starts after Shutdown returns. Subsequent calls do nothing.
func (s *SelfReportingRegistry) Shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.reportMutex.Lock()
		defer s.reportMutex.Unlock()
		if s.config.FlushOnShutdown {
			_ = s.reportLocked(context.Background())
		}
		s.stopped = true

		s.logger.Debug("Stopped self reporting registry",
			zap.Int64("ticks", s.ticks.Load()),
			zap.Int64("failures", s.failures.Load()))
	})
}

// Status returns the current state of the reporting loop.
func (s *SelfReportingRegistry) Status() Status {
	st := Status{
		Running:  s.ctx.Err() == nil,
		Ticks:    s.ticks.Load(),
		Failures: s.failures.Load(),
	}
	if ns := s.lastReport.Load(); ns != 0 {
		st.LastReport = time.Unix(0, ns)
	}
	return st
}

// Registry returns the wrapped registry.
func (s *SelfReportingRegistry) Registry() *Registry { return s.registry }

// Counter returns the counter for name and dims from the wrapped registry.
func (s *SelfReportingRegistry) Counter(name string, dims Dimensions) (*Counter, error) {
	return s.registry.Counter(name, dims)
}

// Timer returns the timer for name and dims from the wrapped registry.
func (s *SelfReportingRegistry) Timer(name string, dims Dimensions) (*Timer, error) {
	return s.registry.Timer(name, dims)
}

// Gauge returns the gauge for name and dims from the wrapped registry.
func (s *SelfReportingRegistry) Gauge(name string, dims Dimensions) (*Gauge, error) {
	return s.registry.Gauge(name, dims)
}

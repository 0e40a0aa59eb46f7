// Package logreporter writes snapshots to a zap logger, one entry per sample.
package logreporter

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nikiz24/measured"
)

// Reporter logs every sample of a snapshot.
type Reporter struct {
	logger *zap.Logger
	level  zapcore.Level
}

// New creates a reporter logging at info level. A nil logger yields a
// development logger on stderr.
func New(logger *zap.Logger) *Reporter {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return &Reporter{logger: logger, level: zapcore.InfoLevel}
}

// WithLevel returns a copy of r logging at level.
func (r *Reporter) WithLevel(level zapcore.Level) *Reporter {
	return &Reporter{logger: r.logger, level: level}
}

// Report implements measured.Reporter.
func (r *Reporter) Report(_ context.Context, samples []measured.Sample) error {
	for _, s := range samples {
		if ce := r.logger.Check(r.level, "metric"); ce != nil {
			ce.Write(fields(s)...)
		}
	}
	return nil
}

func fields(s measured.Sample) []zap.Field {
	fs := []zap.Field{
		zap.String("key", s.Key),
		zap.String("name", s.Name),
		zap.Stringer("kind", s.Value.Kind),
		zap.Object("dimensions", dimensions(s.Dimensions)),
		zap.Time("timestamp", s.Timestamp),
	}
	switch s.Value.Kind {
	case measured.KindCounter:
		fs = append(fs, zap.Int64("count", s.Value.Count))
	case measured.KindGauge:
		fs = append(fs, zap.Float64("value", s.Value.Gauge))
	case measured.KindTimer:
		t := s.Value.Timer
		fs = append(fs,
			zap.Int64("count", t.Count),
			zap.Float64("total_ms", t.Total),
			zap.Float64("mean_ms", t.Mean),
			zap.Float64("min_ms", t.Min),
			zap.Float64("max_ms", t.Max),
		)
	}
	return fs
}

type dimensions measured.Dimensions

func (d dimensions) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	dims := measured.Dimensions(d)
	for _, name := range dims.Names() {
		v, _ := dims.Get(name)
		enc.AddString(name, v)
	}
	return nil
}

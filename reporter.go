package measured

import (
	"context"
	"errors"
	"time"
)

// Sample is one metric entry in a reporting snapshot.
type Sample struct {
	Key        string
	Name       string
	Dimensions Dimensions
	Value      Value
	Timestamp  time.Time
}

// Reporter delivers snapshots to an external sink.
type Reporter interface {
	Report(ctx context.Context, samples []Sample) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, samples []Sample) error

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, samples []Sample) error {
	return f(ctx, samples)
}

// MultiReporter sends each snapshot to every reporter in order. All reporters
// run even if one fails; the errors are joined.
type MultiReporter []Reporter

// Report implements Reporter.
func (m MultiReporter) Report(ctx context.Context, samples []Sample) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, samples); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

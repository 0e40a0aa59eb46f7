package measured

import "errors"

var (
	// ErrNotFound is returned when no metric is registered under the derived key.
	ErrNotFound = errors.New("metric not found")

	// ErrTypeMismatch is returned when a dimension value is not a representable
	// scalar, or when a key already holds a metric of a different kind.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidDimension is returned for malformed dimension input.
	ErrInvalidDimension = errors.New("invalid dimension")

	// ErrCardinalityLimit is returned when creating a new key would exceed the
	// registry's configured series limit.
	ErrCardinalityLimit = errors.New("metric series limit reached")

	// ErrCollectFailure wraps a panic raised by a metric while it was collected.
	ErrCollectFailure = errors.New("metric collect failure")

	// ErrReporterFailure wraps failures of a Reporter during a tick.
	ErrReporterFailure = errors.New("reporter failure")

	// ErrShutdown is returned by operations on a stopped SelfReportingRegistry.
	ErrShutdown = errors.New("registry has been shut down")
)

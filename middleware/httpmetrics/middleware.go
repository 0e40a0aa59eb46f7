// Package httpmetrics instruments net/http handlers with request timers.
package httpmetrics

import (
	"net/http"
	"strings"

	"github.com/nikiz24/measured"
)

// RouteFunc returns the route template that matched r, or "" if none did.
// It is called after the wrapped handler has returned.
type RouteFunc func(r *http.Request) string

// ServeMuxPattern reads the pattern set by http.ServeMux, without its method
// prefix: "GET /users/{userId}" yields "/users/{userId}".
func ServeMuxPattern(r *http.Request) string {
	p := r.Pattern
	if i := strings.IndexByte(p, ' '); i >= 0 {
		p = strings.TrimLeft(p[i+1:], " \t")
	}
	return p
}

type config struct {
	route RouteFunc
	inst  []measured.InstrumentationOption
}

// Option configures the middleware.
type Option func(*config)

// WithRouteFunc replaces ServeMuxPattern, for routers other than http.ServeMux.
func WithRouteFunc(f RouteFunc) Option {
	return func(c *config) { c.route = f }
}

// WithInstrumentation passes options to the underlying measured.Instrumentation.
func WithInstrumentation(opts ...measured.InstrumentationOption) Option {
	return func(c *config) { c.inst = append(c.inst, opts...) }
}

// responseWriter is a wrapper around http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware returns net/http middleware that records one timer measurement
// per completed request under ("requests", {method, statusCode, uri}).
// A request whose handler panics is not recorded.
func Middleware(source measured.TimerSource, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{route: ServeMuxPattern}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	inst := measured.NewInstrumentation(source, cfg.inst...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			obs := inst.Begin(r.Method)
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			obs.Complete(cfg.route(r), rw.statusCode)
		})
	}
}

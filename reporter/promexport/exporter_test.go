package promexport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nikiz24/measured"
)

func requestSample(count int64, total float64) measured.Sample {
	return measured.Sample{
		Key:        "requests-GET-200-/hello",
		Name:       "requests",
		Dimensions: measured.MustDimensions("method", "GET", "statusCode", "200", "uri", "/hello"),
		Value: measured.Value{
			Kind:  measured.KindTimer,
			Count: count,
			Timer: measured.TimerSnapshot{Count: count, Total: total},
		},
		Timestamp: time.Now(),
	}
}

func gather(t *testing.T, e *Exporter) map[string]*dto.MetricFamily {
	t.Helper()
	reg, err := e.Registry()
	require.NoError(t, err)
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func TestExporterAccumulatesWindows(t *testing.T) {
	e := New(Options{Namespace: "demo"})
	ctx := context.Background()

	jobs := measured.Sample{Key: "jobs", Name: "jobs", Value: measured.Value{Kind: measured.KindCounter, Count: 3}}
	queue := measured.Sample{Key: "queue", Name: "queue", Value: measured.Value{Kind: measured.KindGauge, Gauge: 4}}

	require.NoError(t, e.Report(ctx, []measured.Sample{requestSample(2, 30), jobs, queue}))
	jobs.Value.Count = 2
	queue.Value.Gauge = 1
	require.NoError(t, e.Report(ctx, []measured.Sample{requestSample(1, 5), jobs, queue}))

	mfs := gather(t, e)

	summary := mfs["demo_requests_milliseconds"]
	require.NotNil(t, summary)
	assert.Equal(t, dto.MetricType_SUMMARY, summary.GetType())
	require.Len(t, summary.GetMetric(), 1)
	assert.Equal(t, uint64(3), summary.GetMetric()[0].GetSummary().GetSampleCount())
	assert.Equal(t, 35.0, summary.GetMetric()[0].GetSummary().GetSampleSum())

	labels := map[string]string{}
	for _, lp := range summary.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, map[string]string{"method": "GET", "statusCode": "200", "uri": "/hello"}, labels)

	counter := mfs["demo_jobs_total"]
	require.NotNil(t, counter)
	assert.Equal(t, 5.0, counter.GetMetric()[0].GetCounter().GetValue())

	gauge := mfs["demo_queue"]
	require.NotNil(t, gauge)
	assert.Equal(t, 1.0, gauge.GetMetric()[0].GetGauge().GetValue())
}

func TestExporterSkipsInconsistentLabelNames(t *testing.T) {
	e := New(Options{})
	ctx := context.Background()

	a := measured.Sample{Key: "hits-x", Name: "hits", Dimensions: measured.MustDimensions("a", "x"),
		Value: measured.Value{Kind: measured.KindCounter, Count: 1}}
	b := measured.Sample{Key: "hits-y", Name: "hits", Dimensions: measured.MustDimensions("b", "y"),
		Value: measured.Value{Kind: measured.KindCounter, Count: 1}}
	require.NoError(t, e.Report(ctx, []measured.Sample{a, b}))

	assert.Equal(t, 1, testutil.CollectAndCount(e))
}

func TestExporterHandler(t *testing.T) {
	e := New(Options{})
	require.NoError(t, e.Report(context.Background(), []measured.Sample{requestSample(1, 12)}))

	h, err := e.Handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `requests_milliseconds_count{method="GET",statusCode="200",uri="/hello"} 1`)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "http_server_requests", sanitize("http.server-requests"))
}

func TestExporterSkipsNamesThatCollideAfterSanitizing(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := New(Options{Logger: zap.New(core)})
	ctx := context.Background()

	dotted := measured.Sample{Key: "a.b-x", Name: "a.b", Dimensions: measured.MustDimensions("k", "x"),
		Value: measured.Value{Kind: measured.KindCounter, Count: 2}}
	underscored := measured.Sample{Key: "a_b-x", Name: "a_b", Dimensions: measured.MustDimensions("k", "x"),
		Value: measured.Value{Kind: measured.KindCounter, Count: 5}}
	require.NoError(t, e.Report(ctx, []measured.Sample{dotted, underscored}))
	require.NoError(t, e.Report(ctx, []measured.Sample{dotted, underscored}))

	mfs := gather(t, e)
	counter := mfs["a_b_total"]
	require.NotNil(t, counter)
	require.Len(t, counter.GetMetric(), 1)
	assert.Equal(t, 4.0, counter.GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 2, logs.FilterMessage("Skipping sample that collides with another series").Len())
}

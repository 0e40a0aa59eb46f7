package measured

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RuntimeMetricName is the metric name used by RegisterRuntimeMetrics.
const RuntimeMetricName = "runtime"

// runtimeStats caches runtime.MemStats so that one snapshot reading several
// runtime gauges stops the world once.
type runtimeStats struct {
	mutex  sync.Mutex
	maxAge time.Duration
	readAt time.Time
	ms     runtime.MemStats
}

func (s *runtimeStats) get() runtime.MemStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if time.Since(s.readAt) > s.maxAge {
		runtime.ReadMemStats(&s.ms)
		s.readAt = time.Now()
	}
	return s.ms
}

// RegisterRuntimeMetrics registers gauges for Go runtime and process
// statistics under RuntimeMetricName with a "stat" dimension. Process gauges
// read zero on platforms without /proc; the first failed read is logged at
// debug level with the registry's logger.
func RegisterRuntimeMetrics(r *Registry) []string {
	stats := &runtimeStats{maxAge: time.Second}
	proc := &procReader{logger: r.logger}
	mem := func(f func(ms *runtime.MemStats) uint64) func() float64 {
		return func() float64 {
			ms := stats.get()
			return float64(f(&ms))
		}
	}

	gauges := map[string]func() float64{
		"memory_alloc_bytes":       mem(func(ms *runtime.MemStats) uint64 { return ms.Alloc }),
		"memory_sys_bytes":         mem(func(ms *runtime.MemStats) uint64 { return ms.Sys }),
		"memory_heap_alloc_bytes":  mem(func(ms *runtime.MemStats) uint64 { return ms.HeapAlloc }),
		"memory_heap_inuse_bytes":  mem(func(ms *runtime.MemStats) uint64 { return ms.HeapInuse }),
		"memory_stack_inuse_bytes": mem(func(ms *runtime.MemStats) uint64 { return ms.StackInuse }),
		"gc_runs_total":            mem(func(ms *runtime.MemStats) uint64 { return uint64(ms.NumGC) }),
		"gc_pause_total_ns":        mem(func(ms *runtime.MemStats) uint64 { return ms.PauseTotalNs }),
		"goroutines_num":           func() float64 { return float64(runtime.NumGoroutine()) },
		"memory_rss_bytes":         func() float64 { return float64(proc.rss()) },
		"file_descriptors_num":     func() float64 { return float64(proc.openFDs()) },
	}

	keys := make([]string, 0, len(gauges))
	for stat, fn := range gauges {
		// Callback gauges are never nil, so PutMetric cannot fail here.
		key, _ := r.PutMetric(RuntimeMetricName, NewCallbackGauge(fn), MustDimensions("stat", stat))
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// procReader reads process statistics from /proc.
type procReader struct {
	logger     *zap.Logger
	statusPath string
	fdPath     string

	statusOnce sync.Once
	fdOnce     sync.Once
}

func (p *procReader) readFailed(once *sync.Once, path string, err error) {
	once.Do(func() {
		p.logger.Debug("Failed to read process statistics",
			zap.String("path", path),
			zap.Error(err))
	})
}

// rss returns the resident set size in bytes from /proc/self/status.
func (p *procReader) rss() uint64 {
	path := p.statusPath
	if path == "" {
		path = "/proc/self/status"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		p.readFailed(&p.statusOnce, path, err)
		return 0
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := bytes.Fields(sc.Bytes())
		if len(fields) >= 2 && string(fields[0]) == "VmRSS:" {
			kb, err := strconv.ParseUint(string(fields[1]), 10, 64)
			if err != nil {
				p.readFailed(&p.statusOnce, path, err)
				return 0
			}
			return kb * 1024
		}
	}
	return 0
}

func (p *procReader) openFDs() uint64 {
	path := p.fdPath
	if path == "" {
		path = "/proc/self/fd"
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		p.readFailed(&p.fdOnce, path, err)
		return 0
	}
	return uint64(len(entries))
}

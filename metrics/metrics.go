// Package metrics exposes Prometheus instruments for the capture loop and the
// model session pools.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tutortoise/smart-vision/models"
)

const namespace = "smartvision"

// PoolStats is a snapshot of one model session pool.
type PoolStats struct {
	Size            int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	Discarded       int64
}

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	framesProcessed *prometheus.CounterVec
	framesFailed    *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	activeTracks    prometheus.Gauge
	pools           *poolCollector
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames annotated and published, by mode.",
		}, []string{"mode"}),
		framesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_failed_total",
			Help:      "Frames that could not be read or processed, by mode.",
		}, []string{"mode"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Capture sessions started, by mode.",
		}, []string{"mode"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Per-frame processing time by stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),
		activeTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tracks",
			Help:      "Tracks alive in the detection tracker.",
		}),
		pools: newPoolCollector(),
	}
	m.registry.MustRegister(
		m.framesProcessed,
		m.framesFailed,
		m.sessions,
		m.stageDuration,
		m.activeTracks,
		m.pools,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFrame records one successfully published frame.
func (m *Metrics) ObserveFrame(mode string, t models.ProcessingTimings, activeTracks int) {
	if m == nil {
		return
	}
	m.framesProcessed.WithLabelValues(mode).Inc()
	stages := []struct {
		name string
		d    float64
	}{
		{"preprocess", t.Preprocess.Seconds()},
		{"inference", t.Inference.Seconds()},
		{"postprocess", t.Postprocess.Seconds()},
		{"track", t.Track.Seconds()},
		{"annotate", t.Annotate.Seconds()},
		{"encode", t.Encode.Seconds()},
		{"total", t.Total.Seconds()},
	}
	for _, s := range stages {
		if s.d > 0 {
			m.stageDuration.WithLabelValues(s.name).Observe(s.d)
		}
	}
	m.activeTracks.Set(float64(activeTracks))
}

func (m *Metrics) FrameFailed(mode string) {
	if m == nil {
		return
	}
	m.framesFailed.WithLabelValues(mode).Inc()
}

func (m *Metrics) SessionStarted(mode string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(mode).Inc()
	m.activeTracks.Set(0)
}

// RegisterPool exports stats under the pool label name until UnregisterPool.
func (m *Metrics) RegisterPool(name string, stats func() PoolStats) {
	if m == nil {
		return
	}
	m.pools.add(name, stats)
}

func (m *Metrics) UnregisterPool(name string) {
	if m == nil {
		return
	}
	m.pools.remove(name)
}

// poolCollector reads pool stats at scrape time so pools can come and go
// with mode changes.
type poolCollector struct {
	mu    sync.Mutex
	pools map[string]func() PoolStats

	size      *prometheus.Desc
	inUse     *prometheus.Desc
	acquired  *prometheus.Desc
	released  *prometheus.Desc
	failures  *prometheus.Desc
	discarded *prometheus.Desc
}

func newPoolCollector() *poolCollector {
	labels := []string{"pool"}
	return &poolCollector{
		pools:     make(map[string]func() PoolStats),
		size:      prometheus.NewDesc(namespace+"_pool_size", "Sessions owned by the pool.", labels, nil),
		inUse:     prometheus.NewDesc(namespace+"_pool_sessions_in_use", "Sessions currently lent out.", labels, nil),
		acquired:  prometheus.NewDesc(namespace+"_pool_acquired_total", "Successful session acquisitions.", labels, nil),
		released:  prometheus.NewDesc(namespace+"_pool_released_total", "Sessions returned to the pool.", labels, nil),
		failures:  prometheus.NewDesc(namespace+"_pool_acquire_failures_total", "Acquisitions that timed out.", labels, nil),
		discarded: prometheus.NewDesc(namespace+"_pool_sessions_discarded_total", "Sessions dropped after failing inference.", labels, nil),
	}
}

func (c *poolCollector) add(name string, stats func() PoolStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[name] = stats
}

func (c *poolCollector) remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pools, name)
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.inUse
	ch <- c.acquired
	ch <- c.released
	ch <- c.failures
	ch <- c.discarded
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	names := make([]string, 0, len(c.pools))
	for name := range c.pools {
		names = append(names, name)
	}
	funcs := make(map[string]func() PoolStats, len(c.pools))
	for k, v := range c.pools {
		funcs[k] = v
	}
	c.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		s := funcs[name]()
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size), name)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse), name)
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(s.TotalAcquired), name)
		ch <- prometheus.MustNewConstMetric(c.released, prometheus.CounterValue, float64(s.TotalReleased), name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.AcquireFailures), name)
		ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(s.Discarded), name)
	}
}

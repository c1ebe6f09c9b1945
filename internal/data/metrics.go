package data

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink exposes internal counters and durations through Prometheus.
// Metric families are registered lazily on first use; the label set seen
// at registration time becomes the family's fixed label set.
type MetricsSink struct {
	registry *prometheus.Registry
	logger   *log.Helper

	mu         sync.Mutex
	counters   map[string]*counterFamily
	histograms map[string]*histogramFamily
}

type counterFamily struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramFamily struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// NewMetricsSink creates a sink backed by its own Prometheus registry.
func NewMetricsSink(logger log.Logger) *MetricsSink {
	return &MetricsSink{
		registry:   prometheus.NewRegistry(),
		logger:     log.NewHelper(logger),
		counters:   make(map[string]*counterFamily),
		histograms: make(map[string]*histogramFamily),
	}
}

// Registry returns the underlying registry for exposition.
func (s *MetricsSink) Registry() *prometheus.Registry {
	return s.registry
}

// sanitizeMetricName maps dotted internal names onto the Prometheus
// naming convention, e.g. "state.save.duration" -> "agentguard_state_save_duration".
func sanitizeMetricName(name string) string {
	replaced := strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
	return "agentguard_" + replaced
}

func labelKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelValues(keys []string, tags map[string]string) []string {
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	return values
}

// RecordMetric adds the value to the named counter.
func (s *MetricsSink) RecordMetric(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	fam, ok := s.counters[name]
	if !ok {
		keys := labelKeys(tags)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: sanitizeMetricName(name) + "_total",
			Help: "Counter for " + name,
		}, keys)
		if err := s.registry.Register(vec); err != nil {
			s.mu.Unlock()
			s.logger.Warnw("failed to register counter", "metric", name, "error", err)
			return
		}
		fam = &counterFamily{vec: vec, labels: keys}
		s.counters[name] = fam
	}
	s.mu.Unlock()

	fam.vec.WithLabelValues(labelValues(fam.labels, tags)...).Add(value)
}

// ObserveDuration records the duration in seconds into the named histogram.
func (s *MetricsSink) ObserveDuration(name string, d time.Duration, tags map[string]string) {
	s.mu.Lock()
	fam, ok := s.histograms[name]
	if !ok {
		keys := labelKeys(tags)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    sanitizeMetricName(name) + "_seconds",
			Help:    "Duration of " + name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		if err := s.registry.Register(vec); err != nil {
			s.mu.Unlock()
			s.logger.Warnw("failed to register histogram", "metric", name, "error", err)
			return
		}
		fam = &histogramFamily{vec: vec, labels: keys}
		s.histograms[name] = fam
	}
	s.mu.Unlock()

	fam.vec.WithLabelValues(labelValues(fam.labels, tags)...).Observe(d.Seconds())
}

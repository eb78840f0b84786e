package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsClient implements MetricsClient on prometheus collectors.
// Collectors are created lazily on first use and reused afterwards, keyed by
// metric name.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu           sync.RWMutex
	commonLabels prometheus.Labels
}

// NewPrometheusMetricsClient creates a metrics client registering on the
// default prometheus registerer.
func NewPrometheusMetricsClient(namespace, subsystem string, commonLabels map[string]string) *PrometheusMetricsClient {
	return NewPrometheusMetricsClientWithRegisterer(namespace, subsystem, commonLabels, prometheus.DefaultRegisterer)
}

// NewPrometheusMetricsClientWithRegisterer creates a metrics client on a
// caller-provided registerer. Tests pass a fresh registry here.
func NewPrometheusMetricsClientWithRegisterer(namespace, subsystem string, commonLabels map[string]string, reg prometheus.Registerer) *PrometheusMetricsClient {
	labels := prometheus.Labels{}
	for k, v := range commonLabels {
		labels[k] = v
	}
	return &PrometheusMetricsClient{
		namespace:    namespace,
		subsystem:    subsystem,
		registry:     reg,
		counters:     make(map[string]*prometheus.CounterVec),
		gauges:       make(map[string]*prometheus.GaugeVec),
		histograms:   make(map[string]*prometheus.HistogramVec),
		commonLabels: labels,
	}
}

// RecordCounter adds value to the named counter.
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, c.labelNames(labels))
	counter.With(c.labelValues(labels)).Add(value)
}

// RecordGauge sets the named gauge.
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, c.labelNames(labels))
	gauge.With(c.labelValues(labels)).Set(value)
}

// RecordHistogram observes value on the named histogram.
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	hist := c.getOrCreateHistogram(name, c.labelNames(labels))
	hist.With(c.labelValues(labels)).Observe(value)
}

// RecordTimer observes a duration in seconds on the named histogram.
func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache operation outcome and duration.
func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.RecordCounter("cache_operations_total", 1, map[string]string{"operation": operation, "status": status})
	c.RecordHistogram("cache_operation_duration_seconds", durationSeconds, map[string]string{"operation": operation})
}

// StartTimer returns a stop function recording elapsed time on the named
// histogram.
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

// IncrementCounter increments the named counter without labels.
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments the named counter with labels.
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

// Close implements MetricsClient. Prometheus collectors need no teardown.
func (c *PrometheusMetricsClient) Close() error { return nil }

func (c *PrometheusMetricsClient) labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels)+len(c.commonLabels))
	for k := range c.commonLabels {
		names = append(names, k)
	}
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (c *PrometheusMetricsClient) labelValues(labels map[string]string) prometheus.Labels {
	merged := prometheus.Labels{}
	for k, v := range c.commonLabels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, labelNames []string) *prometheus.CounterVec {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = c.counters[name]; ok {
		return counter
	}
	counter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      fmt.Sprintf("Counter for %s", name),
	}, labelNames)
	c.counters[name] = c.register(counter).(*prometheus.CounterVec)
	return c.counters[name]
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name string, labelNames []string) *prometheus.GaugeVec {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok = c.gauges[name]; ok {
		return gauge
	}
	gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      fmt.Sprintf("Gauge for %s", name),
	}, labelNames)
	c.gauges[name] = c.register(gauge).(*prometheus.GaugeVec)
	return c.gauges[name]
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name string, labelNames []string) *prometheus.HistogramVec {
	c.mu.RLock()
	hist, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return hist
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if hist, ok = c.histograms[name]; ok {
		return hist
	}
	hist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      fmt.Sprintf("Histogram for %s", name),
		Buckets:   prometheus.DefBuckets,
	}, labelNames)
	c.histograms[name] = c.register(hist).(*prometheus.HistogramVec)
	return c.histograms[name]
}

// register tolerates double registration so two clients sharing a registerer
// reuse the same collector.
func (c *PrometheusMetricsClient) register(collector prometheus.Collector) prometheus.Collector {
	if err := c.registry.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return collector
}

package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusConfig configures a PrometheusCollector.
type PrometheusConfig struct {
	// Namespace and Subsystem are prepended to every metric name. The
	// judge metrics already carry the zkjudge_ prefix.
	Namespace string
	Subsystem string

	// Registry defaults to a fresh registry with Go runtime and process
	// collectors attached.
	Registry *prometheus.Registry

	// RegisterDefaultMetrics registers DefaultMetrics up front.
	RegisterDefaultMetrics bool
}

// PrometheusCollector is a Collector backed by a Prometheus registry.
// Updates for metrics that were never registered are dropped.
type PrometheusCollector struct {
	registry  *prometheus.Registry
	namespace string
	subsystem string

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusCollector(cfg *PrometheusConfig) *PrometheusCollector {
	if cfg == nil {
		cfg = &PrometheusConfig{}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c := &PrometheusCollector{
		registry:   reg,
		namespace:  cfg.Namespace,
		subsystem:  cfg.Subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	if cfg.RegisterDefaultMetrics {
		for _, def := range DefaultMetrics() {
			// The default set is static; a failure here is a programming error.
			if err := c.Register(def); err != nil {
				panic(err)
			}
		}
	}
	return c
}

// Register adds def to the registry. Registering the same name twice is a
// no-op.
func (c *PrometheusCollector) Register(def Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.known(def.Name) {
		return nil
	}

	var vec prometheus.Collector
	switch def.Kind {
	case KindCounter:
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace, Subsystem: c.subsystem, Name: def.Name, Help: def.Help,
		}, def.Labels)
		c.counters[def.Name], vec = cv, cv
	case KindGauge:
		gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace, Subsystem: c.subsystem, Name: def.Name, Help: def.Help,
		}, def.Labels)
		c.gauges[def.Name], vec = gv, gv
	case KindHistogram:
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace, Subsystem: c.subsystem, Name: def.Name, Help: def.Help,
			Buckets: buckets,
		}, def.Labels)
		c.histograms[def.Name], vec = hv, hv
	default:
		return fmt.Errorf("metric %s: unknown kind %q", def.Name, def.Kind)
	}

	if err := c.registry.Register(vec); err != nil {
		delete(c.counters, def.Name)
		delete(c.gauges, def.Name)
		delete(c.histograms, def.Name)
		return fmt.Errorf("register %s: %w", def.Name, err)
	}
	return nil
}

func (c *PrometheusCollector) known(name string) bool {
	_, a := c.counters[name]
	_, b := c.gauges[name]
	_, h := c.histograms[name]
	return a || b || h
}

func (c *PrometheusCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.RLock()
	cv := c.counters[name]
	c.mu.RUnlock()
	if cv != nil {
		cv.WithLabelValues(labelValues(labels)...).Add(value)
	}
}

func (c *PrometheusCollector) GaugeAdd(name string, delta float64, labels ...string) {
	c.mu.RLock()
	gv := c.gauges[name]
	c.mu.RUnlock()
	if gv != nil {
		gv.WithLabelValues(labelValues(labels)...).Add(delta)
	}
}

func (c *PrometheusCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.RLock()
	hv := c.histograms[name]
	c.mu.RUnlock()
	if hv != nil {
		hv.WithLabelValues(labelValues(labels)...).Observe(value)
	}
}

// Handler serves the registry in the Prometheus text or OpenMetrics format.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *PrometheusCollector) Registry() *prometheus.Registry { return c.registry }

// labelValues drops the names from a name/value pair list. A trailing name
// without a value is ignored.
func labelValues(pairs []string) []string {
	if len(pairs) < 2 {
		return nil
	}
	out := make([]string, 0, len(pairs)/2)
	for i := 1; i < len(pairs); i += 2 {
		out = append(out, pairs[i])
	}
	return out
}

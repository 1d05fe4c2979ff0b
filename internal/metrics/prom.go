package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Sink on pre-registered collectors.
//
// Every instrument is declared up front with a fixed label set; Inc/Observe/
// Set with an unknown name is a no-op by design.
type Prometheus struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labelKeys  map[string][]string
}

func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		labelKeys:  map[string][]string{},
	}

	counter := func(name, help string, keys ...string) {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, keys)
		p.counters[name] = c
		p.labelKeys[name] = keys
		reg.MustRegister(c)
	}
	histogram := func(name, help string, buckets []float64, keys ...string) {
		h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, keys)
		p.histograms[name] = h
		p.labelKeys[name] = keys
		reg.MustRegister(h)
	}
	gauge := func(name, help string, keys ...string) {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, keys)
		p.gauges[name] = g
		p.labelKeys[name] = keys
		reg.MustRegister(g)
	}

	counter(MetricJobsTotal, "Total tracking jobs by outcome", "status")
	histogram(MetricJobDuration, "Tracking job duration",
		[]float64{1, 5, 10, 30, 60, 120, 300})
	counter(MetricScheduledChecks, "Total scheduled checks by status", "status")
	counter(MetricGeocacheHits, "Total geocache hits")
	counter(MetricGeocacheMisses, "Total geocache misses")
	gauge(MetricGeocacheSize, "Number of entries in the geocache")
	histogram(MetricGeocodingDuration, "Geocoding request duration",
		[]float64{.1, .25, .5, 1, 2.5, 5, 10})

	return p
}

func (p *Prometheus) values(name string, labels Labels) []string {
	keys := p.labelKeys[name]
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return values
}

func (p *Prometheus) Inc(name string, labels Labels) {
	c, ok := p.counters[name]
	if !ok {
		return
	}
	c.WithLabelValues(p.values(name, labels)...).Inc()
}

func (p *Prometheus) Observe(name string, value float64, labels Labels) {
	h, ok := p.histograms[name]
	if !ok {
		return
	}
	h.WithLabelValues(p.values(name, labels)...).Observe(value)
}

func (p *Prometheus) Set(name string, value float64, labels Labels) {
	g, ok := p.gauges[name]
	if !ok {
		return
	}
	g.WithLabelValues(p.values(name, labels)...).Set(value)
}

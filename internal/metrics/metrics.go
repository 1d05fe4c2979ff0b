// Package metrics defines the sink the core components report into and a
// Prometheus-backed implementation exposed for external scraping.
package metrics

// Instrument names. The Prometheus sink prefixes them with the namespace.
const (
	MetricJobsTotal         = "track_jobs_total"          // counter, labels: status
	MetricJobDuration       = "track_duration_seconds"    // histogram
	MetricScheduledChecks   = "scheduled_checks_total"    // counter, labels: status
	MetricGeocacheHits      = "geocache_hits_total"       // counter
	MetricGeocacheMisses    = "geocache_misses_total"     // counter
	MetricGeocacheSize      = "geocache_size"             // gauge
	MetricGeocodingDuration = "geocoding_duration_seconds" // histogram
)

type Labels map[string]string

// Sink receives named counters, observations and gauges. Implementations
// must be safe for concurrent use; unknown names are silently ignored so
// the core never fails on a metrics mismatch.
type Sink interface {
	Inc(name string, labels Labels)
	Observe(name string, value float64, labels Labels)
	Set(name string, value float64, labels Labels)
}

type nopSink struct{}

func (nopSink) Inc(string, Labels)              {}
func (nopSink) Observe(string, float64, Labels) {}
func (nopSink) Set(string, float64, Labels)     {}

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

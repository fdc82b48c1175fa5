package certdb

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	notFound prometheus.Counter
	queries  prometheus.Counter
	errors   prometheus.Counter
	entries  prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tlsterm", Subsystem: "certdb", Name: name, Help: help,
	})
}

// NewMetrics creates the cache metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		hits:     counter("hits_total", "Resolutions answered from the cache."),
		misses:   counter("misses_total", "Resolutions missing the cache."),
		notFound: counter("not_found_total", "Resolutions ending not found."),
		queries:  counter("queries_total", "Database lookups issued."),
		errors:   counter("errors_total", "Database lookups failed."),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tlsterm", Subsystem: "certdb", Name: "entries",
			Help: "Cache entries including alternative name shadows.",
		}),
	}
	for _, c := range []prometheus.Collector{m.hits, m.misses, m.notFound, m.queries, m.errors, m.entries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *Metrics) absent() {
	if m != nil {
		m.notFound.Inc()
	}
}

func (m *Metrics) query(failed bool) {
	if m != nil {
		m.queries.Inc()
		if failed {
			m.errors.Inc()
		}
	}
}

func (m *Metrics) setEntries(n int) {
	if m != nil {
		m.entries.Set(float64(n))
	}
}

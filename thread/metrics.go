package thread

import "github.com/prometheus/client_golang/prometheus"

type queueStats struct {
	waiting prometheus.Gauge
	busy    prometheus.Gauge
	runs    prometheus.Counter
}

// Register exports queue gauges. Call before the pool starts.
func (q *Queue) Register(reg prometheus.Registerer) error {
	s := &queueStats{
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tlsterm", Subsystem: "thread_queue", Name: "waiting",
			Help: "Jobs waiting for a worker.",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tlsterm", Subsystem: "thread_queue", Name: "busy",
			Help: "Jobs currently running on a worker.",
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tlsterm", Subsystem: "thread_queue", Name: "runs_total",
			Help: "Job runs completed by workers.",
		}),
	}
	for _, c := range []prometheus.Collector{s.waiting, s.busy, s.runs} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	q.mu.Lock()
	q.stats = s
	q.mu.Unlock()
	return nil
}

func (s *queueStats) queued() {
	if s != nil {
		s.waiting.Inc()
	}
}

func (s *queueStats) cancelled() {
	if s != nil {
		s.waiting.Dec()
	}
}

func (s *queueStats) started() {
	if s != nil {
		s.waiting.Dec()
		s.busy.Inc()
	}
}

func (s *queueStats) finished() {
	if s != nil {
		s.busy.Dec()
		s.runs.Inc()
	}
}

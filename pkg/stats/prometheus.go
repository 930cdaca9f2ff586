package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// PrometheusSink counts scheduler events per event name.
type PrometheusSink struct {
	runEvents  *prometheus.CounterVec
	taskEvents *prometheus.CounterVec
}

// NewPrometheusSink registers the event counters on the given registerer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		runEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskswarm",
			Name:      "run_events_total",
			Help:      "Scheduler run-result events by event name.",
		}, []string{"event"}),
		taskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskswarm",
			Name:      "task_events_total",
			Help:      "Scheduler task events by event name.",
		}, []string{"event"}),
	}
	reg.MustRegister(s.runEvents, s.taskEvents)
	return s
}

// AddRunEntry implements Sink
func (s *PrometheusSink) AddRunEntry(event string, key taskpack.RunResultKey, fields map[string]interface{}) {
	s.runEvents.WithLabelValues(event).Inc()
}

// AddTaskEntry implements Sink
func (s *PrometheusSink) AddTaskEntry(event string, key taskpack.ResultSummaryKey, fields map[string]interface{}) {
	s.taskEvents.WithLabelValues(event).Inc()
}

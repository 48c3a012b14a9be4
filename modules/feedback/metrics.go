package feedback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type feedbackPrometheus struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
}

func newFeedbackPrometheus(reg prometheus.Registerer) *feedbackPrometheus {
	factory := promauto.With(reg)

	return &feedbackPrometheus{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridscope_feedback",
			Name:      "operations_total",
			Help:      "The total number of applied feedback operations.",
		}, []string{"op"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridscope_feedback",
			Name:      "failures_total",
			Help:      "The total number of rejected or failed feedback operations.",
		}, []string{"op"}),
	}
}

package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type collectorPrometheus struct {
	framesReceived  prometheus.Counter
	framesRejected  prometheus.Counter
	objectsAccepted prometheus.Counter
	objectsDropped  prometheus.Counter
	produceFailures prometheus.Counter
}

func newCollectorPrometheus(reg prometheus.Registerer) *collectorPrometheus {
	factory := promauto.With(reg)

	return &collectorPrometheus{
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gridscope_collector",
			Name:      "frames_received_total",
			Help:      "The total number of frame payloads received.",
		}),
		framesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gridscope_collector",
			Name:      "frames_rejected_total",
			Help:      "The total number of frames rejected for schema violations.",
		}),
		objectsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gridscope_collector",
			Name:      "objects_accepted_total",
			Help:      "The total number of detections normalized into observations.",
		}),
		objectsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gridscope_collector",
			Name:      "objects_dropped_total",
			Help:      "The total number of detections dropped from otherwise valid frames.",
		}),
		produceFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gridscope_collector",
			Name:      "produce_failures_total",
			Help:      "The total number of observations that failed to reach the queue.",
		}),
	}
}

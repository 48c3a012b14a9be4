package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

const (
	droppedReasonDuplicate    = "duplicate"
	droppedReasonOutOfOrder   = "out_of_order"
	droppedReasonDecodeFailed = "decoding_failed"
	timeoutReasonObservation  = "observation_gap"
	timeoutReasonSweep        = "sweep"
)

type enginePrometheus struct {
	observationsProcessed prometheus.Counter
	observationsDropped   *prometheus.CounterVec
	transitions           prometheus.Counter
	timeoutCloses         *prometheus.CounterVec
	processingFailures    prometheus.Counter
	sweepDuration         prometheus.Histogram
}

func newEnginePrometheus(reg prometheus.Registerer) *enginePrometheus {
	factory := promauto.With(reg)

	return &enginePrometheus{
		observationsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gridscope_engine",
			Name:      "observations_processed_total",
			Help:      "The total number of observations applied to object state.",
		}),
		observationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridscope_engine",
			Name:      "observations_dropped_total",
			Help:      "The total number of observations dropped without state change.",
		}, []string{"reason"}),
		transitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gridscope_engine",
			Name:      "cell_transitions_total",
			Help:      "The total number of closed spans due to cell transitions.",
		}),
		timeoutCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridscope_engine",
			Name:      "timeout_closes_total",
			Help:      "The total number of spans closed because the object went stale.",
		}, []string{"reason"}),
		processingFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gridscope_engine",
			Name:      "processing_failures_total",
			Help:      "The total number of observations that failed to persist and await redelivery.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gridscope_engine",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of timeout sweeper scans.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

// Stats are process-level counters surfaced on /status. Kept separate from
// prometheus so the query API can snapshot them without scraping.
type Stats struct {
	Processed      atomic.Int64
	Duplicates     atomic.Int64
	OutOfOrder     atomic.Int64
	DecodeFailures atomic.Int64
	Transitions    atomic.Int64
	TimeoutCloses  atomic.Int64
	Failures       atomic.Int64
}

// Snapshot is the JSON form of Stats.
type Snapshot struct {
	Processed      int64 `json:"observations_processed"`
	Duplicates     int64 `json:"duplicates_dropped"`
	OutOfOrder     int64 `json:"out_of_order_dropped"`
	DecodeFailures int64 `json:"decode_failures"`
	Transitions    int64 `json:"cell_transitions"`
	TimeoutCloses  int64 `json:"timeout_closes"`
	Failures       int64 `json:"processing_failures"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Processed:      s.Processed.Load(),
		Duplicates:     s.Duplicates.Load(),
		OutOfOrder:     s.OutOfOrder.Load(),
		DecodeFailures: s.DecodeFailures.Load(),
		Transitions:    s.Transitions.Load(),
		TimeoutCloses:  s.TimeoutCloses.Load(),
		Failures:       s.Failures.Load(),
	}
}

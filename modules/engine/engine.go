package engine

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/gridscope/gridscope/modules/store"
	"github.com/gridscope/gridscope/pkg/ingest"
)

const serviceName = "dwell-engine"

// Engine consumes normalized observations from kafka and applies them to
// the dwell state machine. One Processor per partition preserves the
// per-(collector, camera) ordering contract; partitions are independent.
type Engine struct {
	services.Service

	cfg      Config
	kafkaCfg ingest.Config
	store    store.Store
	logger   log.Logger
	reg      prometheus.Registerer

	client     *kgo.Client
	processors map[int32]*Processor

	prom  *enginePrometheus
	stats *Stats
}

func New(cfg Config, kafkaCfg ingest.Config, st store.Store, logger log.Logger, reg prometheus.Registerer) *Engine {
	e := &Engine{
		cfg:        cfg,
		kafkaCfg:   kafkaCfg,
		store:      st,
		logger:     log.With(logger, "component", serviceName),
		reg:        reg,
		processors: make(map[int32]*Processor),
		prom:       newEnginePrometheus(reg),
		stats:      &Stats{},
	}
	e.Service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e
}

// Stats exposes the process-level counters for the status endpoint.
func (e *Engine) Stats() *Stats {
	return e.stats
}

func (e *Engine) starting(ctx context.Context) error {
	client, err := ingest.NewReaderClient(e.kafkaCfg, ingest.NewReaderClientMetrics(serviceName, e.reg), e.logger)
	if err != nil {
		return errors.Wrap(err, "creating kafka reader client")
	}
	e.client = client

	if err := ingest.WaitForBroker(ctx, client, e.logger); err != nil {
		return err
	}
	if err := ingest.EnsureTopics(ctx, client, e.kafkaCfg, e.logger); err != nil {
		return err
	}

	level.Info(e.logger).Log("msg", "dwell engine started", "topic", e.kafkaCfg.Topic, "group", e.kafkaCfg.ConsumerGroup)
	return nil
}

func (e *Engine) running(ctx context.Context) error {
	for ctx.Err() == nil {
		fetches := e.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := collectFetchErrs(fetches); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			level.Error(e.logger).Log("msg", "encountered error while fetching", "err", err)
			continue
		}

		e.consumeFetches(ctx, fetches)
	}
	return nil
}

func (e *Engine) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// flush marks accumulated since the last commit tick
	if err := e.client.CommitMarkedOffsets(ctx); err != nil {
		level.Warn(e.logger).Log("msg", "failed to commit marked offsets on shutdown", "err", err)
	}
	e.client.Close()
	return nil
}

func collectFetchErrs(fetches kgo.Fetches) (_ error) {
	mErr := multierror.New()
	fetches.EachError(func(_ string, _ int32, err error) {
		mErr.Add(err)
	})
	return mErr.Err()
}

func (e *Engine) consumeFetches(ctx context.Context, fetches kgo.Fetches) {
	fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
		proc, err := e.processorFor(ftp.Partition)
		if err != nil {
			level.Error(e.logger).Log("msg", "failed to create partition processor", "partition", ftp.Partition, "err", err)
			return
		}

		for _, rec := range ftp.Records {
			obs, err := ingest.DecodeObservation(rec.Value)
			if err != nil {
				// poison record: mark it so it is not redelivered forever
				e.prom.observationsDropped.WithLabelValues(droppedReasonDecodeFailed).Inc()
				e.stats.DecodeFailures.Inc()
				level.Error(e.logger).Log("msg", "failed to decode record", "partition", ftp.Partition, "offset", rec.Offset, "err", err)
				e.client.MarkCommitRecords(rec)
				continue
			}

			if err := proc.Process(ctx, obs); err != nil {
				// left unmarked: redelivered after restart or rebalance
				level.Error(e.logger).Log("msg", "failed to process observation",
					"partition", ftp.Partition, "offset", rec.Offset, "event_id", obs.EventID, "err", err)
				continue
			}

			e.client.MarkCommitRecords(rec)
		}
	})
}

func (e *Engine) processorFor(partition int32) (*Processor, error) {
	if proc, ok := e.processors[partition]; ok {
		return proc, nil
	}

	proc, err := NewProcessor(e.cfg, e.store, log.With(e.logger, "partition", partition), e.prom, e.stats)
	if err != nil {
		return nil, err
	}
	e.processors[partition] = proc
	return proc, nil
}

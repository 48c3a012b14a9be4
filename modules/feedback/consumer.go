package feedback

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/gridscope/gridscope/pkg/griderr"
	"github.com/gridscope/gridscope/pkg/ingest"
)

// Consumer is the asynchronous application path: feedback operations
// produced onto the updates topic are applied with the same processor as
// the HTTP path. Direct HTTP remains primary; this exists for callers
// that batch corrections offline.
type Consumer struct {
	services.Service

	kafkaCfg ingest.Config
	proc     *Processor
	logger   log.Logger
	reg      prometheus.Registerer

	client *kgo.Client
}

func NewConsumer(kafkaCfg ingest.Config, proc *Processor, logger log.Logger, reg prometheus.Registerer) *Consumer {
	// same broker settings, its own topic and group
	kafkaCfg.Topic = kafkaCfg.FeedbackTopic
	kafkaCfg.ConsumerGroup = kafkaCfg.ConsumerGroup + "-feedback"

	c := &Consumer{
		kafkaCfg: kafkaCfg,
		proc:     proc,
		logger:   log.With(logger, "component", "feedback-consumer"),
		reg:      reg,
	}
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

func (c *Consumer) starting(ctx context.Context) error {
	client, err := ingest.NewReaderClient(c.kafkaCfg, ingest.NewReaderClientMetrics("feedback", c.reg), c.logger)
	if err != nil {
		return err
	}
	c.client = client
	return ingest.WaitForBroker(ctx, client, c.logger)
}

func (c *Consumer) running(ctx context.Context) error {
	for ctx.Err() == nil {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				level.Error(c.logger).Log("msg", "encountered error while fetching", "topic", topic, "partition", partition, "err", err)
			}
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			if c.apply(ctx, rec) {
				c.client.MarkCommitRecords(rec)
			}
		})
	}
	return nil
}

func (c *Consumer) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "failed to commit marked offsets on shutdown", "err", err)
	}
	c.client.Close()
	return nil
}

// apply reports whether the record may be marked consumed. Only store
// outages and deadlines are worth a redelivery; everything else is a
// permanently bad operation.
func (c *Consumer) apply(ctx context.Context, rec *kgo.Record) bool {
	update, err := ingest.DecodeFeedbackUpdate(rec.Value)
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to decode feedback update", "offset", rec.Offset, "err", err)
		return true
	}

	switch update.Type {
	case opRelabel:
		var req RelabelRequest
		if err = json.Unmarshal(update.Payload, &req); err == nil {
			err = c.proc.Relabel(ctx, req)
		}
	case opCorrectCell:
		var req CorrectCellRequest
		if err = json.Unmarshal(update.Payload, &req); err == nil {
			_, err = c.proc.CorrectCell(ctx, req)
		}
	case opDeleteSpan:
		var req DeleteSpanRequest
		if err = json.Unmarshal(update.Payload, &req); err == nil {
			err = c.proc.DeleteSpan(ctx, req)
		}
	default:
		level.Warn(c.logger).Log("msg", "unknown feedback update type", "type", update.Type, "offset", rec.Offset)
		return true
	}

	if err == nil {
		return true
	}

	switch griderr.CodeOf(err) {
	case griderr.CodeStoreUnavailable, griderr.CodeTimeout:
		level.Error(c.logger).Log("msg", "feedback update will be redelivered", "type", update.Type, "offset", rec.Offset, "err", err)
		return false
	default:
		level.Error(c.logger).Log("msg", "rejected feedback update", "type", update.Type, "offset", rec.Offset, "err", err)
		return true
	}
}

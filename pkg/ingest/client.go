package ingest

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

func commonClientOptions(cfg Config, metrics *kprom.Metrics) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	return opts
}

// NewReaderClient returns the consumer-group client used by the dwell
// engine. Offsets are marked by the engine after successful processing and
// committed on an interval; unmarked records are redelivered, which is how
// at-least-once hand-off is achieved.
func NewReaderClient(cfg Config, metrics *kprom.Metrics, _ log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	const fetchMaxBytes = 16_000_000

	opts = append(opts, commonClientOptions(cfg, metrics)...)
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(cfg.CommitInterval),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.FetchMaxWait(2*time.Second),

		// safety margin against invalid responses, per franz-go guidance
		kgo.BrokerMaxReadBytes(2*fetchMaxBytes),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka reader client")
	}
	return client, nil
}

// NewWriterClient returns the producer client used by the collector
// ingress. Producing is asynchronous so ingestion handlers never block on
// the broker.
func NewWriterClient(cfg Config, metrics *kprom.Metrics, _ log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append(opts, commonClientOptions(cfg, metrics)...)
	opts = append(opts,
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
		kgo.ProducerBatchMaxBytes(4_000_000),
		kgo.RecordDeliveryTimeout(30*time.Second),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka writer client")
	}
	return client, nil
}

// WaitForBroker pings the cluster until it responds or the backoff budget
// is spent. Used at startup so consumers fail fast with a clear error.
func WaitForBroker(ctx context.Context, client *kgo.Client, logger log.Logger) error {
	retry := backoff.New(ctx, backoff.Config{
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 10,
	})

	var err error
	for retry.Ongoing() {
		if err = client.Ping(ctx); err == nil {
			return nil
		}
		level.Warn(logger).Log("msg", "kafka broker not reachable yet", "err", err)
		retry.Wait()
	}
	if err == nil {
		err = retry.Err()
	}
	return errors.Wrap(err, "waiting for kafka broker")
}

func NewReaderClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("gridscope_ingest_reader",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"component": component}, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))
}

func NewWriterClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("gridscope_ingest_writer",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"component": component}, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))
}

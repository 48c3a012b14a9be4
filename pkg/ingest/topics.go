package ingest

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// EnsureTopics creates the observation and feedback topics when they do
// not exist yet. Consumers call this at startup so a fresh cluster does
// not depend on broker-side auto creation.
func EnsureTopics(ctx context.Context, client *kgo.Client, cfg Config, logger log.Logger) error {
	topics := []string{cfg.Topic}
	if cfg.FeedbackTopic != "" {
		topics = append(topics, cfg.FeedbackTopic)
	}

	resps, err := kadm.NewClient(client).CreateTopics(ctx, 1, 1, nil, topics...)
	if err != nil {
		return errors.Wrap(err, "creating topics")
	}

	for _, resp := range resps.Sorted() {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return errors.Wrapf(resp.Err, "creating topic %s", resp.Topic)
		}
		level.Info(logger).Log("msg", "ensured topic", "topic", resp.Topic)
	}
	return nil
}

package ingest

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
)

// Config holds the kafka settings shared by the collector ingress (producer)
// and the dwell engine (consumer).
type Config struct {
	Brokers flagext.StringSliceCSV `yaml:"brokers"`

	// Topic carries normalized observations, keyed by collector:camera.
	Topic string `yaml:"topic"`

	// FeedbackTopic carries asynchronous feedback operations. The direct
	// HTTP path is primary; this topic is for external automation.
	FeedbackTopic string `yaml:"feedback_topic"`

	ConsumerGroup string `yaml:"consumer_group"`

	// CommitInterval is how often marked offsets are committed.
	CommitInterval time.Duration `yaml:"commit_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.Brokers, prefix+".brokers", "Kafka broker addresses, comma separated. Required.")
	f.StringVar(&cfg.Topic, prefix+".topic", "raw.detections", "Topic carrying normalized observations.")
	f.StringVar(&cfg.FeedbackTopic, prefix+".feedback-topic", "feedback.updates", "Topic carrying asynchronous feedback operations.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".consumer-group", "gridscope-engine", "Consumer group of the dwell engine.")
	f.DurationVar(&cfg.CommitInterval, prefix+".commit-interval", 5*time.Second, "How often marked offsets are committed.")
}

func (cfg *Config) Validate() error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("kafka.topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return fmt.Errorf("kafka.consumer-group is required")
	}
	if cfg.CommitInterval <= 0 {
		return fmt.Errorf("kafka.commit-interval must be greater than 0, got %s", cfg.CommitInterval)
	}
	return nil
}

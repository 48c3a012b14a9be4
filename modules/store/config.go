package store

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	Redis RedisConfig `yaml:"redis"`

	// TTL is the rolling retention of every entry; refreshed on each write.
	TTL time.Duration `yaml:"ttl"`

	// TimelineLimit caps each object's timeline to the most recent K entries.
	TimelineLimit int `yaml:"timeline_limit"`

	// RecentEventsLimit caps the shared live-feed buffer.
	RecentEventsLimit int `yaml:"recent_events_limit"`
}

type RedisConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Redis.Endpoint, prefix+".redis.endpoint", "", "Redis endpoint (host:port). Required.")
	f.StringVar(&cfg.Redis.Password, prefix+".redis.password", "", "Redis password.")
	f.IntVar(&cfg.Redis.DB, prefix+".redis.db", 0, "Redis database index.")
	f.DurationVar(&cfg.Redis.DialTimeout, prefix+".redis.dial-timeout", 5*time.Second, "Redis dial timeout.")
	f.DurationVar(&cfg.Redis.ReadTimeout, prefix+".redis.read-timeout", 3*time.Second, "Redis read timeout.")
	f.DurationVar(&cfg.Redis.WriteTimeout, prefix+".redis.write-timeout", 3*time.Second, "Redis write timeout.")

	f.DurationVar(&cfg.TTL, prefix+".ttl", 24*time.Hour, "Rolling retention of state entries, refreshed on every write.")
	f.IntVar(&cfg.TimelineLimit, prefix+".timeline-limit", 100, "Maximum timeline entries kept per object, oldest discarded.")
	f.IntVar(&cfg.RecentEventsLimit, prefix+".recent-events-limit", 100, "Capacity of the recent events buffer.")
}

func (cfg *Config) Validate() error {
	if cfg.Redis.Endpoint == "" {
		return fmt.Errorf("store.redis.endpoint is required")
	}
	if cfg.TTL <= 0 {
		return fmt.Errorf("store.ttl must be greater than 0, got %s", cfg.TTL)
	}
	if cfg.TimelineLimit <= 0 {
		return fmt.Errorf("store.timeline-limit must be greater than 0, got %d", cfg.TimelineLimit)
	}
	if cfg.RecentEventsLimit <= 0 {
		return fmt.Errorf("store.recent-events-limit must be greater than 0, got %d", cfg.RecentEventsLimit)
	}
	return nil
}

package engine

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	// DwellTimeout is how long an object may go unobserved before its open
	// span is implicitly closed at last_seen.
	DwellTimeout time.Duration `yaml:"dwell_timeout"`

	// DedupWindow bounds the per-partition LRU of seen event ids.
	DedupWindow int `yaml:"dedup_window"`

	// MoveEventInterval throttles same-cell move events in the live feed:
	// at most one per object per interval.
	MoveEventInterval time.Duration `yaml:"move_event_interval"`

	// SweepInterval is the tick of the timeout sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.DwellTimeout, prefix+".dwell-timeout", 30*time.Second, "Gap after which an object's open span is closed at its last seen timestamp.")
	f.IntVar(&cfg.DedupWindow, prefix+".dedup-window", 10_000, "Number of event ids remembered per partition for deduplication.")
	f.DurationVar(&cfg.MoveEventInterval, prefix+".move-event-interval", 5*time.Second, "Minimum spacing of per-object move events in the live feed.")
	f.DurationVar(&cfg.SweepInterval, prefix+".sweep-interval", 5*time.Second, "How often the timeout sweeper scans for stale objects.")
}

func (cfg *Config) Validate() error {
	if cfg.DwellTimeout <= 0 {
		return fmt.Errorf("engine.dwell-timeout must be greater than 0, got %s", cfg.DwellTimeout)
	}
	if cfg.DedupWindow <= 0 {
		return fmt.Errorf("engine.dedup-window must be greater than 0, got %d", cfg.DedupWindow)
	}
	if cfg.MoveEventInterval < 0 {
		return fmt.Errorf("engine.move-event-interval must not be negative, got %s", cfg.MoveEventInterval)
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep-interval must be greater than 0, got %s", cfg.SweepInterval)
	}
	return nil
}

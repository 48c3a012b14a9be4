package feedback

import (
	"flag"
)

type Config struct {
	// SubtractDeletedSpans makes delete-span retroactively subtract the
	// overlapping closed dwell from aggregates instead of only recording
	// the deletion in the timeline and audit log.
	SubtractDeletedSpans bool `yaml:"subtract_deleted_spans"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.SubtractDeletedSpans, prefix+".subtract-deleted-spans", false, "Subtract deleted spans from cell aggregates instead of audit-only deletion.")
}

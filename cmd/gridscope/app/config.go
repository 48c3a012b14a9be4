package app

import (
	"flag"
	"fmt"
	"time"

	dslog "github.com/grafana/dskit/log"

	"github.com/gridscope/gridscope/modules/engine"
	"github.com/gridscope/gridscope/modules/feedback"
	"github.com/gridscope/gridscope/modules/store"
	"github.com/gridscope/gridscope/pkg/ingest"
	"github.com/gridscope/gridscope/pkg/model"
)

// Config is the full process configuration, loadable from yaml and
// overridable per field through flags.
type Config struct {
	LogFormat string      `yaml:"log_format"`
	LogLevel  dslog.Level `yaml:"log_level"`

	Server   ServerConfig    `yaml:"server"`
	Grid     model.Grid      `yaml:"grid"`
	Store    store.Config    `yaml:"store"`
	Kafka    ingest.Config   `yaml:"kafka"`
	Engine   engine.Config   `yaml:"engine"`
	Feedback feedback.Config `yaml:"feedback"`
}

type ServerConfig struct {
	HTTPListenAddress string `yaml:"http_listen_address"`
	HTTPListenPort    int    `yaml:"http_listen_port"`

	// HTTPTimeout is the deadline carried by every externally triggered
	// operation.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

func (cfg *ServerConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, prefix+".http-listen-address", "", "HTTP listen address; empty binds all interfaces.")
	f.IntVar(&cfg.HTTPListenPort, prefix+".http-listen-port", 3200, "HTTP listen port.")
	f.DurationVar(&cfg.HTTPTimeout, prefix+".http-timeout", 10*time.Second, "Deadline for externally triggered operations.")
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, f *flag.FlagSet) {
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Log format, logfmt or json.")
	cfg.LogLevel.RegisterFlags(f)

	f.IntVar(&cfg.Grid.Width, "grid.width", 20, "Number of grid columns.")
	f.IntVar(&cfg.Grid.Height, "grid.height", 15, "Number of grid rows.")

	cfg.Server.RegisterFlagsAndApplyDefaults("server", f)
	cfg.Store.RegisterFlagsAndApplyDefaults("store", f)
	cfg.Kafka.RegisterFlagsAndApplyDefaults("kafka", f)
	cfg.Engine.RegisterFlagsAndApplyDefaults("engine", f)
	cfg.Feedback.RegisterFlagsAndApplyDefaults("feedback", f)
}

func (cfg *Config) Validate() error {
	if cfg.Grid.Width <= 0 || cfg.Grid.Height <= 0 {
		return fmt.Errorf("grid dimensions must be positive, got %dx%d", cfg.Grid.Width, cfg.Grid.Height)
	}
	if cfg.Grid.Width > 100 || cfg.Grid.Height > 100 {
		return fmt.Errorf("grid dimensions exceed the two-digit cell id space, got %dx%d", cfg.Grid.Width, cfg.Grid.Height)
	}
	if cfg.Server.HTTPListenPort <= 0 {
		return fmt.Errorf("server.http-listen-port must be positive, got %d", cfg.Server.HTTPListenPort)
	}
	if err := cfg.Store.Validate(); err != nil {
		return err
	}
	if err := cfg.Kafka.Validate(); err != nil {
		return err
	}
	return cfg.Engine.Validate()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/gridscope/gridscope/cmd/gridscope/app"
	"github.com/gridscope/gridscope/pkg/util/log"
)

const appName = "gridscope"

func main() {
	printVersion := flag.Bool("version", false, "Print version and exit.")

	cfg, configVerify, err := loadConfig(os.Args[1:], flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	logger := log.InitLogger(cfg.LogFormat, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}
	if configVerify {
		fmt.Println("configuration ok")
		os.Exit(0)
	}

	a, err := app.New(*cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to assemble application", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level.Info(logger).Log("msg", "starting "+appName, "version", version.Version)
	if err := a.Run(ctx); err != nil {
		level.Error(logger).Log("msg", appName+" exited with error", "err", err)
		os.Exit(1)
	}
}

// loadConfig applies the precedence defaults < config file < command line:
// the yaml file overlays the registered defaults and the full flag parse
// happens last, so an explicit flag always wins over the file.
func loadConfig(args []string, fs *flag.FlagSet) (*app.Config, bool, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
		configVerifyOption    = "config.verify"
	)

	var (
		configFile      string
		configExpandEnv bool
		configVerify    bool
	)

	cfg := &app.Config{}

	// Find the config file options before the full flag set exists. Parsing
	// stops at the first unknown flag, so retry from every position until
	// the options are found or the arguments run out.
	pre := flag.NewFlagSet("", flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	pre.StringVar(&configFile, configFileOption, "", "")
	pre.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	pre.BoolVar(&configVerify, configVerifyOption, false, "")
	for rest := args; len(rest) > 0; rest = rest[1:] {
		_ = pre.Parse(rest)
	}

	cfg.RegisterFlagsAndApplyDefaults("", fs)

	// overlay with the config file if provided
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, false, errors.Wrapf(err, "reading config file %s", configFile)
		}
		if configExpandEnv {
			expanded, err := envsubst.EvalEnv(string(buf))
			if err != nil {
				return nil, false, errors.Wrapf(err, "expanding env vars in config file %s", configFile)
			}
			buf = []byte(expanded)
		}
		if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
			return nil, false, errors.Wrapf(err, "parsing config file %s", configFile)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(fs, configFileOption, "Path to the yaml configuration file.")
	flagext.IgnoredFlag(fs, configExpandEnvOption, "Expand ${VAR} references in the configuration file.")
	flagext.IgnoredFlag(fs, configVerifyOption, "Verify the configuration and exit.")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	return cfg, configVerify, nil
}

// Command hostcalld is the host side of hostcall: it serves one dispatcher per device
// session, backed by a simulated device memory domain, and exposes /metrics and
// /healthz over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"hostcall/config"
	"hostcall/logger"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the TOML configuration (defaults: one session for device 0)")
	logLevel := pflag.String("log-level", "", "override log.level from the configuration")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostcalld: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	fx.New(options(cfg)).Run()
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// options is the dependency graph of hostcalld.
func options(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newDomain,
			newScratch,
			newDiscovery,
			newPrometheus,
			newMetrics,
			newSessions,
			fx.Annotate(newOpsRouter, fx.ResultTags(`name:"ops"`)),
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(registerHooks),
	)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Log)
}

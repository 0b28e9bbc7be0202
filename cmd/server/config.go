package main

import (
	"time"

	"github.com/kbats183/shmstream/pkg/config"
	"github.com/kbats183/shmstream/pkg/stats"
	flag "github.com/spf13/pflag"
)

const envPrefix = "SHMSTREAM_"

type serverConfig struct {
	Broker        string        `env:"broker"`
	SweepInterval time.Duration `env:"sweep_interval"`
	Addr          string        `env:"addr"`
	User          string        `env:"basic_auth_user"`
	Password      string        `env:"basic_auth_pass"`
	Profiler      bool          `env:"profiler"`
	LogFile       string        `env:"log_file"`
	LogLevel      string        `env:"log_level"`
}

// loadConfig applies defaults, then SHMSTREAM_* variables, then flags.
// BASIC_AUTH_USER and BASIC_AUTH_PASS are honored as well.
func loadConfig(args []string) (serverConfig, bool, error) {
	cfg := serverConfig{
		Broker:        stats.DefaultBroker,
		SweepInterval: time.Second,
		Addr:          ":6070",
		LogFile:       "shmstream-server.log",
		LogLevel:      "info",
	}
	var auth struct {
		User string `env:"user"`
		Pass string `env:"pass"`
	}
	if err := config.FromEnv("BASIC_AUTH_", &auth); err != nil {
		return cfg, false, err
	}
	cfg.User, cfg.Password = auth.User, auth.Pass
	if err := config.FromEnv(envPrefix, &cfg); err != nil {
		return cfg, false, err
	}

	fs := flag.NewFlagSet("shmstream-server", flag.ContinueOnError)
	fs.StringVarP(&cfg.Broker, "broker", "b", cfg.Broker, "Statistics broker name")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Time between broker sweeps")
	fs.StringVarP(&cfg.Addr, "addr", "a", cfg.Addr, "Admin API listen address")
	fs.BoolVar(&cfg.Profiler, "profiler", cfg.Profiler, "Serve pprof under /debug")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Log file, empty for stdout only")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	help := fs.BoolP("help", "h", false, "Print usage information and exit")
	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	return cfg, *help, nil
}

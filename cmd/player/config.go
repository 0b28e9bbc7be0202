package main

import (
	"time"

	"github.com/kbats183/shmstream/pkg/config"
	"github.com/kbats183/shmstream/pkg/scheduler"
	"github.com/kbats183/shmstream/pkg/stats"
	flag "github.com/spf13/pflag"
)

const envPrefix = "SHMSTREAM_PLAYER_"

type playerConfig struct {
	Stream       string        `env:"stream"`
	Broker       string        `env:"broker"`
	Connector    string        `env:"connector"`
	Rate         int           `env:"rate"`
	Seek         uint64        `env:"seek"`
	Lead         time.Duration `env:"lead"`
	NextKey      bool          `env:"next_key"`
	CompleteKeys bool          `env:"complete_keys"`
	Tracks       []uint        `env:"tracks"`
	Out          string        `env:"out"`
	NoColor      bool          `env:"no_color"`
	LogLevel     string        `env:"log_level"`
}

func loadConfig(args []string) (playerConfig, bool, error) {
	cfg := playerConfig{
		Broker:    stats.DefaultBroker,
		Connector: "PLAYER",
		Rate:      scheduler.RealTime,
		LogLevel:  "info",
	}
	if err := config.FromEnv(envPrefix, &cfg); err != nil {
		return cfg, false, err
	}

	fs := flag.NewFlagSet("shmstream-player", flag.ContinueOnError)
	fs.StringVarP(&cfg.Broker, "broker", "b", cfg.Broker, "Statistics broker name")
	fs.StringVarP(&cfg.Connector, "connector", "c", cfg.Connector, "Connector name shown to the controller")
	fs.IntVarP(&cfg.Rate, "rate", "r", cfg.Rate, "Playback rate, 1000 is real time, 0 unthrottled")
	fs.Uint64VarP(&cfg.Seek, "seek", "s", cfg.Seek, "Start position in milliseconds")
	fs.DurationVar(&cfg.Lead, "lead", cfg.Lead, "How far delivery may run ahead of real time")
	fs.BoolVar(&cfg.NextKey, "next-key", cfg.NextKey, "Start at the key after the position")
	fs.BoolVar(&cfg.CompleteKeys, "complete-keys", cfg.CompleteKeys, "Only send keys every track has finished")
	fs.UintSliceVarP(&cfg.Tracks, "tracks", "t", cfg.Tracks, "Tracks to play, default picks one video and one audio")
	fs.StringVarP(&cfg.Out, "out", "o", cfg.Out, "Write frames to this file instead of tracing them")
	fs.BoolVar(&cfg.NoColor, "no-color", cfg.NoColor, "Disable colored trace output")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	help := fs.BoolP("help", "h", false, "Print usage information and exit")
	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if fs.NArg() > 0 {
		cfg.Stream = fs.Arg(0)
	}
	return cfg, *help, nil
}

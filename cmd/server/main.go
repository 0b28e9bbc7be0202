package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kbats183/shmstream/pkg/apiserver"
	"github.com/kbats183/shmstream/pkg/registry"
	"github.com/kbats183/shmstream/pkg/statsserver"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, help, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if help {
		fmt.Println("Usage: shmstream-server [OPTION]...")
		fmt.Println("Owns the statistics broker and serves the admin API.")
		return
	}
	if err := setupLogger(cfg.LogFile, cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := statsserver.NewStatsServer(statsserver.StatsServerConfig{
		Broker:        cfg.Broker,
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		logrus.Fatalf("Failed to start: %v", err)
	}
	streamRegistry := registry.NewRegistry(stats)
	web := apiserver.NewWebServer(apiserver.WebServerConfig{
		Addr:     cfg.Addr,
		User:     cfg.User,
		Password: cfg.Password,
		Profiler: cfg.Profiler,
	}, streamRegistry)

	logrus.Infof("Starting...")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stats.Start(gctx, streamRegistry)
	})
	g.Go(func() error {
		return web.Start(gctx)
	})
	err = g.Wait()
	if serr := stats.Stop(); serr != nil {
		logrus.Errorf("Stopping statistics broker: %v", serr)
	}
	if err != nil {
		logrus.Fatalf("Stopped: %v", err)
	}
	logrus.Infof("Stopped")
}

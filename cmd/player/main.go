package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kbats183/shmstream/pkg/medias"
	"github.com/kbats183/shmstream/pkg/scheduler"
	"github.com/kbats183/shmstream/pkg/stats"
	"github.com/kbats183/shmstream/pkg/trackpage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, help, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if help || cfg.Stream == "" {
		fmt.Println("Usage: shmstream-player [OPTION]... STREAM")
		fmt.Println("Plays a stream from shared memory as one registered viewer.")
		return
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := play(ctx, cfg); err != nil {
		logrus.Errorf("Player (%s) stopped: %v", cfg.Stream, err)
		os.Exit(1)
	}
}

func play(ctx context.Context, cfg playerConfig) error {
	reporter, err := stats.NewReporter(stats.ReporterConfig{
		Broker:    cfg.Broker,
		Stream:    cfg.Stream,
		Connector: cfg.Connector,
		Counted:   true,
	})
	if err != nil {
		return err
	}
	progress := func(track, key uint32) {
		reporter.SetNextKey(key)
	}
	reader, err := trackpage.NewReader(cfg.Stream, trackpage.ReaderConfig{
		AttachBackoff: true,
		Progress:      progress,
	})
	if err != nil {
		reporter.Close()
		return errors.Wrapf(err, "open stream %s", cfg.Stream)
	}
	s := scheduler.New(reader, reporter, scheduler.Config{
		Rate:             cfg.Rate,
		Lead:             cfg.Lead,
		SeekNextKey:      cfg.NextKey,
		CompleteKeysOnly: cfg.CompleteKeys,
	})
	defer s.Close()

	if len(cfg.Tracks) > 0 {
		ids := make([]uint32, len(cfg.Tracks))
		for i, t := range cfg.Tracks {
			ids[i] = uint32(t)
		}
		s.Select(ids...)
	} else {
		s.SelectDefaultTracks()
	}
	logrus.Infof("Player (%s) playing tracks %v from %dms", cfg.Stream, s.Selected(), cfg.Seek)
	if !s.Seek(cfg.Seek) {
		return s.Err()
	}

	var sink medias.MediaConsumer
	if cfg.Out != "" {
		f, err := os.Create(cfg.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		sink = medias.NewWriterConsumer(f)
	} else {
		sink = medias.NewTraceConsumer(os.Stdout, cfg.NoColor)
	}
	err = s.Run(ctx, sink)
	if cerr := sink.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Package statsserver owns the statistics broker: it sweeps the viewer
// slots every second and reports them, and on shutdown deauthorizes every
// viewer before removing the broker.
package statsserver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kbats183/shmstream/pkg/broker"
	"github.com/kbats183/shmstream/pkg/stats"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "statsserver")

func prepareConfig(config StatsServerConfig) StatsServerConfig {
	if config.Broker == "" {
		config.Broker = stats.DefaultBroker
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Second
	}
	return config
}

func NewStatsServer(config StatsServerConfig) (*StatsServer, error) {
	config = prepareConfig(config)
	server, err := broker.NewServer(config.Broker, stats.RecordLen, true, config.Options...)
	if err != nil {
		return nil, errors.Wrapf(err, "start statistics broker %s", config.Broker)
	}
	log.Infof("StatsServer (%s) started", config.Broker)
	return &StatsServer{
		config: config,
		broker: server,
	}, nil
}

// Start sweeps the broker every SweepInterval until ctx is done.
func (s *StatsServer) Start(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(sink, now)
		}
	}
}

// Sweep runs one broker sweep and hands the occupied slots to sink.
func (s *StatsServer) Sweep(sink Sink, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	viewers := make([]stats.Viewer, 0, s.broker.ConnectedUsers())
	s.broker.ParseEach(func(payload []byte, id int) {
		viewers = append(viewers, stats.Record(payload).Snapshot(id))
	}, func(payload []byte, id int) {
		v := stats.Record(payload).Snapshot(id)
		log.Infof("StatsServer (%s) viewer %s of %s left slot %d", s.config.Broker, v.Session, v.Stream, id)
	})
	s.sweeps++
	if sink != nil {
		sink.Update(viewers, now)
	}
}

// ConnectedUsers is the number of counted viewers seen by the last sweep.
func (s *StatsServer) ConnectedUsers() int {
	return s.broker.ConnectedUsers()
}

// Kick sets the deauthorize bit of a slot if it still belongs to session.
func (s *StatsServer) Kick(slot int, session uuid.UUID) bool {
	return s.broker.WithSlot(slot, func(payload []byte) bool {
		record := stats.Record(payload)
		if record.Session() != session {
			return false
		}
		record.Deauthorize()
		return true
	})
}

// Stop deauthorizes every viewer, waits for them to leave and removes the
// broker.
func (s *StatsServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Infof("StatsServer (%s) stopping after %d sweeps", s.config.Broker, s.sweeps)
	s.broker.FinishEach(func(payload []byte, id int) {
		log.Debugf("StatsServer (%s) slot %d released", s.config.Broker, id)
	})
	return s.broker.Close()
}

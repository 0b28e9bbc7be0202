package statsserver

import (
	"sync"
	"time"

	"github.com/kbats183/shmstream/pkg/broker"
	"github.com/kbats183/shmstream/pkg/stats"
)

// Sink receives the viewers found by every sweep.
type Sink interface {
	Update(viewers []stats.Viewer, now time.Time)
}

type StatsServer struct {
	config StatsServerConfig
	broker *broker.Server
	sweeps uint64
	mu     sync.Mutex
}

type StatsServerConfig struct {
	// Broker is the name of the statistics broker.
	Broker        string
	SweepInterval time.Duration
	Options       []broker.Option
}

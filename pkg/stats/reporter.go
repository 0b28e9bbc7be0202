package stats

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kbats183/shmstream/pkg/broker"
	"github.com/kbats183/shmstream/pkg/retry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stats")

// ReporterConfig describes one viewer connection.
type ReporterConfig struct {
	Broker    string
	Stream    string
	Connector string
	Counted   bool
	Clock     retry.Clock
	Options   []broker.Option
}

func prepareConfig(c *ReporterConfig) {
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if c.Clock == nil {
		c.Clock = retry.RealClock
	}
}

// Reporter publishes one viewer's statistics through a statistics broker
// slot. It never touches the sync byte, which belongs to the broker side.
type Reporter struct {
	client   *broker.Client
	clock    retry.Clock
	session  uuid.UUID
	started  time.Time
	lastTick time.Time

	mu sync.Mutex
}

func NewReporter(config ReporterConfig) (*Reporter, error) {
	prepareConfig(&config)
	opts := append([]broker.Option{broker.WithClock(config.Clock), broker.WithCounted(config.Counted)}, config.Options...)
	client, err := broker.Register(config.Broker, RecordLen, true, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "register in %s", config.Broker)
	}
	r := &Reporter{
		client:  client,
		clock:   config.Clock,
		session: uuid.New(),
		started: config.Clock.Now(),
	}
	r.lastTick = r.started
	record := r.record()
	record.SetSession(r.session)
	record.SetStream(config.Stream)
	record.SetConnector(config.Connector)
	record.SetLastUpdate(r.started)
	log.Debugf("Viewer (%s) session %s registered in slot %d", config.Stream, r.session, client.ID())
	return r, nil
}

func (r *Reporter) record() Record {
	return Record(r.client.Payload())
}

func (r *Reporter) Session() uuid.UUID {
	return r.session
}

// Slot is the reporter's id in the statistics broker.
func (r *Reporter) Slot() int {
	return r.client.ID()
}

// Update publishes transfer counters and the playback position, and renews
// the slot.
func (r *Reporter) Update(up, down, positionMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	record := r.record()
	record.SetUp(up)
	record.SetDown(down)
	record.SetPosition(positionMs)
	record.SetLastUpdate(now)
	record.SetDuration(now.Sub(r.started))
	r.lastTick = now
	r.client.KeepAlive()
}

// SetNextKey records the key a stalled reader is waiting for.
func (r *Reporter) SetNextKey(key uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record().SetNextKey(key)
	r.client.KeepAlive()
}

// Tick renews the slot when at least a second passed since the last renewal.
func (r *Reporter) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if now.Sub(r.lastTick) < time.Second {
		return
	}
	r.lastTick = now
	record := r.record()
	record.SetLastUpdate(now)
	record.SetDuration(now.Sub(r.started))
	r.client.KeepAlive()
}

// Deauthorized reports whether the connection must end now, either because
// an administrator asked for it or because the broker reaped the slot.
func (r *Reporter) Deauthorized() bool {
	return r.record().Deauthorized() || !r.client.IsAlive()
}

// Close gives the slot back with a graceful stop.
func (r *Reporter) Close() error {
	return r.client.Close()
}

// Package scheduler merges the selected tracks of a stream into a single
// packet sequence for one output process.
//
// Packets come out in non-decreasing time order across tracks, ties going
// to the lower track id, paced against the wall clock at the configured
// rate. Every wait is bounded: a track whose data does not show up in time
// is dropped and playback goes on with the rest.
package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kbats183/shmstream/pkg/packet"
	"github.com/kbats183/shmstream/pkg/retry"
	"github.com/kbats183/shmstream/pkg/trackpage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "scheduler")

type State int

const (
	Uninitialized State = iota
	Seeking
	Streaming
	// Draining means at least one selected track ended while others still
	// have data.
	Draining
	Finished
)

var stateNames = [...]string{"uninitialized", "seeking", "streaming", "draining", "finished"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

const (
	// RealTime is the Rate that plays one stream millisecond per wall
	// clock millisecond. Rate 0 plays as fast as possible.
	RealTime    = 1000
	Unthrottled = 0

	PollInterval = 100 * time.Millisecond
	// GapPolls bounds waiting for data at a gap or at the live edge.
	GapPolls = 42

	DefaultKeyWaitMultiplier = 3
	minKeyWait               = time.Second
	maxKeyWait               = 30 * time.Second

	tickInterval = time.Second
)

var ErrDeauthorized = errors.New("scheduler: connection deauthorized")

// Presence is the viewer's slot in the statistics broker.
type Presence interface {
	Update(up, down, positionMs uint64)
	Tick()
	Deauthorized() bool
	Close() error
}

type Config struct {
	// Rate is the playback speed, RealTime for real time.
	Rate int
	// Lead is how far delivery may run ahead of the wall clock.
	Lead time.Duration
	// SeekNextKey makes Seek start at the first key at or after the
	// position instead of the last key before it.
	SeekNextKey bool
	// CompleteKeysOnly holds a packet back until every selected track has
	// finished the key containing it, bounded by KeyWaitMultiplier times
	// the observed key spacing.
	CompleteKeysOnly  bool
	KeyWaitMultiplier float64
	Capabilities      Capabilities
	Clock             retry.Clock
}

func prepareConfig(c *Config) {
	if c.Rate < 0 {
		c.Rate = Unthrottled
	}
	if c.KeyWaitMultiplier <= 0 {
		c.KeyWaitMultiplier = DefaultKeyWaitMultiplier
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = DefaultCapabilities
	}
	if c.Clock == nil {
		c.Clock = retry.RealClock
	}
}

type Scheduler struct {
	reader   *trackpage.Reader
	presence Presence
	config   Config
	clock    retry.Clock
	ctx      context.Context

	state       State
	selected    []uint32
	autoSelect  bool
	knownTracks int
	pending     pendingSet
	dropped     map[uint32]bool
	lastTime    map[uint32]uint64
	firstTime   time.Time
	current     packet.Packet
	position    uint64
	up          uint64
	down        uint64
	err         error
}

// New creates a scheduler reading from reader. presence may be nil.
func New(reader *trackpage.Reader, presence Presence, config Config) *Scheduler {
	prepareConfig(&config)
	return &Scheduler{
		reader:   reader,
		presence: presence,
		config:   config,
		clock:    config.Clock,
		ctx:      context.Background(),
		dropped:  make(map[uint32]bool),
		lastTime: make(map[uint32]uint64),
	}
}

func (s *Scheduler) State() State {
	return s.state
}

// Selected returns the selected track ids in ascending order.
func (s *Scheduler) Selected() []uint32 {
	return append([]uint32(nil), s.selected...)
}

// Err returns why playback stopped early, if it did.
func (s *Scheduler) Err() error {
	return s.err
}

// Packet returns the packet the last successful Next advanced to. Its
// payload aliases shared memory and stays valid until the next call.
func (s *Scheduler) Packet() packet.Packet {
	return s.current
}

// Position is the time of the last delivered packet, in milliseconds.
func (s *Scheduler) Position() uint64 {
	return s.position
}

// HasNext reports whether Next may still deliver a packet.
func (s *Scheduler) HasNext() bool {
	return s.err == nil && (s.state == Streaming || s.state == Draining) && len(s.pending) > 0
}

func (s *Scheduler) fail(err error) {
	if s.err == nil {
		s.err = err
		log.Infof("Stream (%s) playback stopped: %v", s.reader.Stream(), err)
	}
	s.state = Finished
}

// tick renews presence and checks for deauthorization and cancellation.
func (s *Scheduler) tick() bool {
	if s.err != nil {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.fail(err)
		return false
	}
	if s.presence == nil {
		return true
	}
	if s.presence.Deauthorized() {
		s.fail(ErrDeauthorized)
		return false
	}
	s.presence.Tick()
	return true
}

// wait sleeps d in chunks of at most a second, ticking after each.
func (s *Scheduler) wait(d time.Duration) bool {
	for d > 0 {
		chunk := min(d, tickInterval)
		s.clock.Sleep(chunk)
		d -= chunk
		if !s.tick() {
			return false
		}
	}
	return true
}

func (s *Scheduler) report() {
	if s.presence != nil {
		s.presence.Update(s.up, s.down, s.position)
	}
}

// Close stops playback, gives the broker slot back with a graceful stop
// and releases every page and index handle.
func (s *Scheduler) Close() error {
	s.state = Finished
	s.pending = nil
	var result *multierror.Error
	if s.presence != nil {
		if err := s.presence.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.reader.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

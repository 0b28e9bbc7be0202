// Package broker allocates fixed-size presence records ("slots") to
// processes through a chain of shared pages.
//
// A Server owns the chain: it sweeps every slot, ages heartbeat counters,
// reaps dead or departed clients and grows or shrinks the chain to fit the
// load. A Client claims exactly one slot and keeps it alive. Only chain
// topology changes and claim/free transitions take the structural
// semaphore; keep-alives are plain stores into the client's own slot.
package broker

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kbats183/shmstream/pkg/process"
	"github.com/kbats183/shmstream/pkg/retry"
	"github.com/kbats183/shmstream/pkg/semaphore"
	"github.com/kbats183/shmstream/pkg/shm"
	"github.com/kbats183/shmstream/pkg/shmname"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "broker")

var (
	ErrNoSemaphore = errors.New("broker: structural semaphore unavailable")
	ErrNoPage      = errors.New("broker: could not map chain page")
	ErrNoSlot      = errors.New("broker: no free slot")
	ErrPayload     = errors.New("broker: payload must hold at least the owner pid")
)

// Deauthorized is the bit of the first payload byte that tells a client to
// disconnect now.
const Deauthorized = 0x80

// Callback receives a slot's payload and its absolute id. The payload
// aliases shared memory and is only valid during the call.
type Callback func(payload []byte, id int)

// Server is the owning side of a slot chain.
type Server struct {
	name       string
	payLen     int
	hasCounter bool

	sem     *semaphore.Semaphore
	pages   []*shm.Page
	clock   retry.Clock
	checker process.Checker

	amount         int
	connectedUsers int
	emptySweeps    int

	mu sync.Mutex
}

// NewServer creates the chain rooted at name with slots of payLen bytes,
// optionally prefixed by a counter byte.
func NewServer(name string, payLen int, hasCounter bool, opts ...Option) (*Server, error) {
	if payLen < 4 {
		return nil, ErrPayload
	}
	o := buildOptions(opts)
	s := &Server{
		name:       name,
		payLen:     payLen,
		hasCounter: hasCounter,
		clock:      o.clock,
		checker:    o.checker,
	}
	s.sem = semaphore.Open("/"+name, semaphore.Create, 0660, 1, semaphore.WithClock(o.clock), semaphore.WithChecker(o.checker))
	if !s.sem.Valid() {
		return nil, ErrNoSemaphore
	}
	if !s.grow() {
		s.sem.Close()
		return nil, ErrNoPage
	}
	log.Infof("Broker (%s) serving slots of %d bytes", name, payLen)
	return s, nil
}

func (s *Server) Name() string {
	return s.name
}

func (s *Server) slotLen() int {
	return slotLen(s.payLen, s.hasCounter)
}

// NewPage appends the next page of the chain.
func (s *Server) NewPage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grow()
}

func (s *Server) grow() bool {
	if s.sem.TryWaitTimeout() {
		defer s.sem.Post()
	}
	return s.newPage()
}

func (s *Server) newPage() bool {
	index := len(s.pages)
	if index >= shmname.MaxBrokerPages {
		log.Warnf("Broker (%s) chain is full (%d pages)", s.name, index)
		return false
	}
	name := shmname.BrokerPage(s.name, index)
	page := shm.Create(name, PageSize(index))
	if !page.Valid() {
		log.Errorf("Broker (%s) could not create page %s: %v", s.name, name, page.Err())
		return false
	}
	if page.Recovered() {
		// another process may still depend on the stale page; never unlink it
		page.Disown()
	}
	s.pages = append(s.pages, page)
	log.Debugf("Broker (%s) added page %s (%d bytes)", s.name, name, page.Len())
	return true
}

// DeletePage drops the highest page. The last remaining page is never dropped.
func (s *Server) DeletePage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shrink()
}

func (s *Server) shrink() bool {
	if s.sem.TryWaitTimeout() {
		defer s.sem.Post()
	}
	return s.deletePage()
}

func (s *Server) deletePage() bool {
	if len(s.pages) <= 1 {
		return false
	}
	last := s.pages[len(s.pages)-1]
	s.pages = s.pages[:len(s.pages)-1]
	if err := last.Close(); err != nil {
		log.Warnf("Broker (%s) closing page %s: %v", s.name, last.Name(), err)
	}
	if capacity := s.capacity(); s.amount > capacity {
		s.amount = capacity
	}
	log.Debugf("Broker (%s) removed page %s", s.name, last.Name())
	return true
}

// Pages returns the number of pages in the chain.
func (s *Server) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

func (s *Server) capacity() int {
	total := 0
	for _, page := range s.pages {
		total += page.Len() / s.slotLen()
	}
	return total
}

// Capacity returns the number of slots across the chain.
func (s *Server) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity()
}

func (s *Server) locate(id int) (slot, bool) {
	if id < 0 {
		return slot{}, false
	}
	for _, page := range s.pages {
		if !page.Valid() {
			return slot{}, false
		}
		n := page.Len() / s.slotLen()
		if id < n {
			return slotAt(page.Bytes(), id, s.payLen, s.hasCounter)
		}
		id -= n
	}
	return slot{}, false
}

// IsInUse reports whether slot id is occupied.
func (s *Server) IsInUse(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.locate(id)
	return ok && sl.inUse()
}

// Index returns the payload of slot id, or nil when out of range. The slice
// aliases shared memory.
func (s *Server) Index(id int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.locate(id)
	if !ok {
		return nil
	}
	return sl.payload()
}

// WithSlot calls fn with the payload of slot id if the slot is in use. The
// broker lock is held during fn, so the slot is neither reaped nor unmapped
// meanwhile. It returns false when the slot is not in use, else fn's result.
func (s *Server) WithSlot(id int, fn func(payload []byte) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.locate(id)
	if !ok || !sl.inUse() {
		return false
	}
	return fn(sl.payload())
}

// Amount is one past the highest slot id seen occupied.
func (s *Server) Amount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amount
}

// ConnectedUsers is the number of counted slots seen by the last sweep.
func (s *Server) ConnectedUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedUsers
}

// ParseEach sweeps every slot of the chain. Occupied slots are passed to
// active; slots that stopped, asked to disconnect or timed out are passed
// to disconnect and freed. Live counters are aged by one. At most one page
// is added or removed per sweep.
func (s *Server) ParseEach(active, disconnect Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := 0
	connected := 0
	trailingEmpty := 0
	lastUsed := false
	for pi, page := range s.pages {
		if !page.Valid() {
			break
		}
		used := 0
		n := page.Len() / s.slotLen()
		for i := 0; i < n; i, id = i+1, id+1 {
			sl, ok := slotAt(page.Bytes(), i, s.payLen, s.hasCounter)
			if !ok || !sl.inUse() {
				continue
			}
			used++
			if id >= s.amount {
				s.amount = id + 1
			}
			if !s.hasCounter {
				if active != nil {
					active(sl.payload(), id)
				}
				continue
			}
			if s.sweepSlot(sl, id, active, disconnect) {
				connected++
			}
		}
		if used == 0 {
			trailingEmpty++
		} else {
			trailingEmpty = 0
		}
		if pi == len(s.pages)-1 {
			lastUsed = used > 0
		}
	}
	s.connectedUsers = connected

	switch {
	case lastUsed:
		s.emptySweeps = 0
		s.grow()
	case trailingEmpty > 1:
		s.emptySweeps++
		if s.emptySweeps >= 2 {
			s.emptySweeps = 0
			s.shrink()
		}
	default:
		s.emptySweeps = 0
	}
}

// sweepSlot handles one occupied counter slot and reports whether it counts
// as a connected viewer.
func (s *Server) sweepSlot(sl slot, id int, active, disconnect Callback) bool {
	c := sl.counter()
	state := c & counterState
	if state != CounterStop && state != CounterDisconnect {
		if pid := sl.pid(); pid > 1 && !s.checker.Alive(pid) {
			log.Warnf("Broker (%s) slot %d: process %d disappeared, timing out", s.name, id, pid)
			state = CounterTimeout
			c = c&CounterCounted | CounterTimeout
			sl.setCounter(c)
		}
	}
	counted := c&CounterCounted != 0

	if state >= CounterTimeout {
		switch state {
		case CounterTimeout:
			log.Debugf("Broker (%s) slot %d timed out", s.name, id)
			if active != nil {
				active(sl.payload(), id)
			}
		case CounterStop:
			log.Debugf("Broker (%s) slot %d stopped", s.name, id)
		case CounterDisconnect:
			log.Debugf("Broker (%s) slot %d requested disconnect", s.name, id)
		}
		s.release(sl, id, disconnect)
		return false
	}

	if active != nil {
		active(sl.payload(), id)
	}
	// the callback or the client may have moved the slot meanwhile
	c = sl.counter()
	if state = c & counterState; state != CounterFree && state < CounterTimeout {
		sl.setCounter(c&CounterCounted | (state + 1))
	}
	return counted
}

func (s *Server) release(sl slot, id int, disconnect Callback) {
	locked := s.sem.TryWaitTimeout()
	if !locked {
		log.Warnf("Broker (%s) releasing slot %d without the structural lock", s.name, id)
	}
	if disconnect != nil {
		disconnect(sl.payload(), id)
	}
	clear(sl.payload())
	sl.setCounter(CounterFree)
	if locked {
		s.sem.Post()
	}
}

// FinishEach sets the deauthorize bit (0x80 of the first payload byte) on
// every occupied slot and keeps sweeping until the clients have left or
// FinishTimeout elapses.
func (s *Server) FinishEach(disconnect Callback) {
	deadline := s.clock.Now().Add(FinishTimeout)
	for {
		if s.markAll() == 0 {
			return
		}
		if !s.clock.Now().Before(deadline) {
			log.Warnf("Broker (%s) clients still present after %v", s.name, FinishTimeout)
			return
		}
		s.clock.Sleep(100 * time.Millisecond)
		if s.hasCounter {
			s.ParseEach(nil, disconnect)
		}
	}
}

func (s *Server) markAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := 0
	for _, page := range s.pages {
		if !page.Valid() {
			break
		}
		n := page.Len() / s.slotLen()
		for i := 0; i < n; i++ {
			sl, ok := slotAt(page.Bytes(), i, s.payLen, s.hasCounter)
			if !ok || !sl.inUse() {
				continue
			}
			marked++
			sl.payload()[0] |= Deauthorized
		}
	}
	return marked
}

// Close unmaps the chain, unlinking owned pages, and removes the
// structural semaphore.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *multierror.Error
	for _, page := range s.pages {
		if err := page.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.pages = nil
	if err := s.sem.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.sem.Unlink(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

package broker

import (
	"sync"

	"github.com/kbats183/shmstream/pkg/retry"
	"github.com/kbats183/shmstream/pkg/semaphore"
	"github.com/kbats183/shmstream/pkg/shm"
	"github.com/kbats183/shmstream/pkg/shmname"
)

// Client holds one claimed slot of a chain.
type Client struct {
	name       string
	payLen     int
	hasCounter bool
	counted    bool
	pid        uint32

	sem  *semaphore.Semaphore
	page *shm.Page
	slot slot
	id   int

	mu sync.Mutex
}

// Register claims a free slot in the chain rooted at name. Pages are scanned
// in order; a candidate slot is re-checked under the structural semaphore
// before it is taken. When every slot is busy the scan is retried per
// RegisterPolicy before ErrNoSlot is returned.
func Register(name string, payLen int, hasCounter bool, opts ...Option) (*Client, error) {
	if payLen < 4 {
		return nil, ErrPayload
	}
	o := buildOptions(opts)
	c := &Client{
		name:       name,
		payLen:     payLen,
		hasCounter: hasCounter,
		counted:    o.counted,
		pid:        o.pid,
	}
	c.sem = semaphore.Open("/"+name, 0, 0, 0, semaphore.WithClock(o.clock), semaphore.WithChecker(o.checker))
	if !c.sem.Valid() {
		return nil, ErrNoSemaphore
	}

	ok := retry.Do(o.clock, o.register, func(attempt int) bool {
		return c.claim()
	})
	if !ok {
		c.sem.Close()
		log.Warnf("Broker (%s) no free slot after %d attempts", name, o.register.Attempts)
		return nil, ErrNoSlot
	}
	log.Debugf("Broker (%s) claimed slot %d", name, c.id)
	return c, nil
}

// claim makes one pass over the chain.
func (c *Client) claim() bool {
	base := 0
	size := slotLen(c.payLen, c.hasCounter)
	for i := 0; i < shmname.MaxBrokerPages; i++ {
		page := shm.Attach(shmname.BrokerPage(c.name, i), false)
		if !page.Valid() {
			return false
		}
		n := page.Len() / size
		for j := 0; j < n; j++ {
			sl, ok := slotAt(page.Bytes(), j, c.payLen, c.hasCounter)
			if !ok || !sl.isFree() {
				continue
			}
			if c.take(sl) {
				c.page = page
				c.slot = sl
				c.id = base + j
				return true
			}
		}
		page.Close()
		base += n
	}
	return false
}

func (c *Client) take(sl slot) bool {
	if !c.sem.TryWaitTimeout() {
		return false
	}
	defer c.sem.Post()
	if !sl.isFree() {
		return false
	}
	clear(sl.payload())
	sl.setPid(c.pid)
	if c.hasCounter {
		sl.setCounter(c.aliveCounter())
	} else if sl.payloadEmpty() {
		// pid 0 would leave the slot looking free
		sl.payload()[0] = 1
	}
	return true
}

func (c *Client) aliveCounter() byte {
	if c.counted {
		return CounterCounted | CounterAlive
	}
	return CounterAlive
}

// ID is the slot's absolute index across the chain.
func (c *Client) ID() int {
	return c.id
}

// Payload returns the slot's payload. It aliases shared memory.
func (c *Client) Payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil {
		return nil
	}
	return c.slot.payload()
}

// Write copies data into the payload and renews the slot. data is truncated
// before the owner pid held in the last 4 payload bytes, so at most payLen-4
// bytes are written.
func (c *Client) Write(data []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil {
		return 0
	}
	n := copy(c.slot.data(), data)
	c.keepAlive()
	return n
}

// KeepAlive resets the heartbeat counter. A slot that has already been
// timed out, stopped or freed is left alone.
func (c *Client) KeepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive()
}

func (c *Client) keepAlive() bool {
	if c.page == nil || !c.hasCounter {
		return false
	}
	state := c.slot.state()
	if state == CounterFree || state >= CounterTimeout {
		return false
	}
	c.slot.setCounter(c.aliveCounter())
	return true
}

// IsAlive reports whether the slot still belongs to this client and the
// server has seen a recent keep-alive.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil || c.slot.pid() != c.pid {
		return false
	}
	if !c.hasCounter {
		return c.slot.payload()[0]&Deauthorized == 0
	}
	state := c.slot.state()
	return state > CounterFree && state < AliveThreshold
}

// Deauthorized reports whether the server or an administrator asked this
// client to disconnect.
func (c *Client) Deauthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil {
		return false
	}
	return c.slot.payload()[0]&Deauthorized != 0
}

// Finish gives the slot back. Counter slots are marked stopped for the
// server to reap; counter-less slots are cleared directly.
func (c *Client) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil {
		return nil
	}
	if c.sem.TryWaitTimeout() {
		defer c.sem.Post()
	}
	if c.slot.pid() == c.pid {
		if c.hasCounter {
			if c.slot.state() != CounterFree {
				c.slot.setCounter(c.slot.counter()&CounterCounted | CounterStop)
			}
		} else {
			clear(c.slot.payload())
		}
	}
	err := c.page.Close()
	c.page = nil
	c.slot = slot{}
	return err
}

// Close finishes the slot and releases the semaphore handle.
func (c *Client) Close() error {
	err := c.Finish()
	if cerr := c.sem.Close(); err == nil {
		err = cerr
	}
	return err
}

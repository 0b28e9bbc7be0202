// Package semaphore implements named counting semaphores shared between
// processes.
//
// The semaphore lives in a tiny shared page (see pkg/shm) holding the counter,
// the pid of the last acquirer and a waiter count. Acquire and release are
// atomic operations on the counter; blocked waiters sleep on a futex. A lock
// held by a process that died is taken over by the next bounded wait instead
// of deadlocking every other participant.
package semaphore

import (
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/kbats183/shmstream/pkg/process"
	"github.com/kbats183/shmstream/pkg/retry"
	"github.com/kbats183/shmstream/pkg/shm"
	"github.com/kbats183/shmstream/pkg/shmname"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "semaphore")

// Flag controls Open.
type Flag int

const (
	// Create creates the semaphore, or opens it if it already exists.
	Create Flag = 1 << iota
	// NoWait fails immediately instead of waiting for the semaphore to
	// appear when it does not exist.
	NoWait
)

// Page layout.
const (
	offValue   = 0
	offHolder  = 4
	offWaiters = 8
	offReady   = 12
	pageSize   = 16

	readyMagic = 0x53454d31 // "SEM1"
)

// OpenPolicy bounds how long Open waits for another process to create the
// semaphore.
var OpenPolicy = retry.Policy{Attempts: 10, Delay: 100 * time.Millisecond}

// TimedWait is the bound of TryWaitTimeout.
const TimedWait = time.Second

// Semaphore is a handle to a named semaphore. A handle that failed to open is
// non-functional: Valid reports false and every operation is a no-op.
type Semaphore struct {
	name    string
	page    *shm.Page
	checker process.Checker
	pid     uint32
}

// Option configures a handle.
type Option func(*options)

type options struct {
	clock   retry.Clock
	checker process.Checker
}

// WithClock injects the clock used between open attempts.
func WithClock(clock retry.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithChecker injects the process liveness check used to recover a lock
// held by a dead process.
func WithChecker(checker process.Checker) Option {
	return func(o *options) { o.checker = checker }
}

// Open creates or attaches to the named semaphore. initial is the starting
// value used when this call creates it.
func Open(name string, flags Flag, mode uint32, initial uint32, opts ...Option) *Semaphore {
	o := options{clock: retry.RealClock, checker: process.OS}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Semaphore{name: name, checker: o.checker, pid: process.Self()}
	objName := shmname.Semaphore(name)

	if flags&Create != 0 {
		page := shm.OpenWith(objName, pageSize, true, false, shm.Options{Mode: modeOf(mode), Exclusive: true})
		if page.Valid() {
			page.Disown()
			s.page = page
			atomic.StoreUint32(s.word(offValue), initial)
			atomic.StoreUint32(s.word(offReady), readyMagic)
			return s
		}
		if page.Err() != shm.ErrExist {
			log.Errorf("Semaphore (%s) create failed: %v", name, page.Err())
			return s
		}
	}

	attempts := OpenPolicy
	if flags&NoWait != 0 {
		attempts.Attempts = 1
	}
	retry.Do(o.clock, attempts, func(int) bool {
		page := shm.Attach(objName, false)
		if !page.Valid() {
			return false
		}
		if atomic.LoadUint32((*uint32)(unsafe.Pointer(&page.Bytes()[offReady]))) != readyMagic {
			// created but not initialised yet
			page.Close()
			return false
		}
		s.page = page
		return true
	})
	if s.page == nil && flags&NoWait == 0 {
		log.Warnf("Semaphore (%s) could not be opened", name)
	}
	return s
}

func modeOf(mode uint32) os.FileMode {
	return os.FileMode(mode & 0777)
}

func (s *Semaphore) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.page.Bytes()[off]))
}

// Valid reports whether the handle is functional.
func (s *Semaphore) Valid() bool {
	return s != nil && s.page.Valid()
}

func (s *Semaphore) Name() string {
	return s.name
}

// Value returns the current counter.
func (s *Semaphore) Value() uint32 {
	if !s.Valid() {
		return 0
	}
	return atomic.LoadUint32(s.word(offValue))
}

// tryAcquire takes one count. The holder is recorded before the count is
// taken, so a process dying at any point leaves either a free count or a
// holder that takeOver can check.
func (s *Semaphore) tryAcquire() bool {
	value := s.word(offValue)
	holder := s.word(offHolder)
	for {
		v := atomic.LoadUint32(value)
		if v == 0 {
			return false
		}
		prev := atomic.SwapUint32(holder, s.pid)
		if atomic.CompareAndSwapUint32(value, v, v-1) {
			return true
		}
		// lost the count; hand the holder back unless a winner replaced it
		atomic.CompareAndSwapUint32(holder, s.pid, prev)
	}
}

func (s *Semaphore) sleep(timeout time.Duration) {
	waiters := s.word(offWaiters)
	atomic.AddUint32(waiters, 1)
	futexWait(s.word(offValue), 0, timeout)
	atomic.AddUint32(waiters, ^uint32(0))
}

// takeOver acquires a lock whose holder has died. This is the only way out
// of a lock that a crashed process never posted.
func (s *Semaphore) takeOver() bool {
	holder := s.word(offHolder)
	pid := atomic.LoadUint32(holder)
	if pid == 0 || pid == s.pid || s.checker.Alive(pid) {
		return false
	}
	if !atomic.CompareAndSwapUint32(holder, pid, s.pid) {
		return false
	}
	log.Warnf("Semaphore (%s) holder %d died, taking the lock over", s.name, pid)
	return true
}

// Wait decrements the semaphore, blocking while it is zero. It returns false
// only for a non-functional handle.
func (s *Semaphore) Wait() bool {
	if !s.Valid() {
		return false
	}
	for {
		if s.tryAcquire() {
			return true
		}
		s.sleep(TimedWait)
		if s.Value() == 0 && s.takeOver() {
			return true
		}
	}
}

// TryWait decrements the semaphore only if that does not block.
func (s *Semaphore) TryWait() bool {
	if !s.Valid() {
		return false
	}
	return s.tryAcquire()
}

// TryWaitTimeout waits at most TimedWait. A lock left behind by a dead
// holder counts as acquired.
func (s *Semaphore) TryWaitTimeout() bool {
	if !s.Valid() {
		return false
	}
	deadline := time.Now().Add(TimedWait)
	for {
		if s.tryAcquire() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return s.takeOver()
		}
		s.sleep(remaining)
	}
}

// Post increments the semaphore and wakes one waiter.
func (s *Semaphore) Post() bool {
	if !s.Valid() {
		return false
	}
	atomic.CompareAndSwapUint32(s.word(offHolder), s.pid, 0)
	atomic.AddUint32(s.word(offValue), 1)
	if atomic.LoadUint32(s.word(offWaiters)) > 0 {
		futexWake(s.word(offValue), 1)
	}
	return true
}

// Close releases this handle. The semaphore itself stays until Unlink.
func (s *Semaphore) Close() error {
	if s == nil || s.page == nil {
		return nil
	}
	err := s.page.Close()
	s.page = nil
	return err
}

// Unlink removes the semaphore's name. Safe to call when it does not exist.
func (s *Semaphore) Unlink() error {
	if s == nil || s.name == "" {
		return nil
	}
	return shm.Unlink(shmname.Semaphore(s.name))
}

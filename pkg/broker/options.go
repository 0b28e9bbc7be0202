package broker

import (
	"time"

	"github.com/kbats183/shmstream/pkg/process"
	"github.com/kbats183/shmstream/pkg/retry"
)

// RegisterPolicy is the client's budget for finding a free slot.
var RegisterPolicy = retry.Policy{Attempts: 20, Delay: 500 * time.Millisecond}

// FinishTimeout bounds Server.FinishEach.
const FinishTimeout = 2500 * time.Millisecond

type Option func(*options)

type options struct {
	clock    retry.Clock
	checker  process.Checker
	counted  bool
	register retry.Policy
	pid      uint32
}

func defaultOptions() options {
	return options{
		clock:    retry.RealClock,
		checker:  process.OS,
		counted:  true,
		register: RegisterPolicy,
		pid:      process.Self(),
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock injects the clock used by retry loops.
func WithClock(clock retry.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithChecker injects the process liveness check used by sweeps.
func WithChecker(checker process.Checker) Option {
	return func(o *options) { o.checker = checker }
}

// WithCounted selects whether a client's keep-alive marks it as a viewer.
func WithCounted(counted bool) Option {
	return func(o *options) { o.counted = counted }
}

// WithRegisterPolicy overrides RegisterPolicy.
func WithRegisterPolicy(p retry.Policy) Option {
	return func(o *options) { o.register = p }
}

// WithPid overrides the pid a client records in its slot.
func WithPid(pid uint32) Option {
	return func(o *options) { o.pid = pid }
}

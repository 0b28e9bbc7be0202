//go:build !linux

package semaphore

import (
	"sync/atomic"
	"time"
)

const pollInterval = time.Millisecond

// futexWait polls, there is no portable cross-process wait primitive.
func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
}

func futexWake(addr *uint32, n int) {}

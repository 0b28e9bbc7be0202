// Package process answers whether an OS process is still running.
package process

import (
	"os"

	"golang.org/x/sys/unix"
)

// Checker reports process liveness. Shared-memory records embed the pid of
// their owner; a Checker lets the reader of such a record decide whether the
// owner died without cleaning up.
type Checker interface {
	Alive(pid uint32) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(pid uint32) bool

func (f CheckerFunc) Alive(pid uint32) bool { return f(pid) }

type osChecker struct{}

// Alive sends signal 0; only ESRCH means the process is gone. EPERM means it
// exists under another user.
func (osChecker) Alive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}

// OS checks liveness against the running system.
var OS Checker = osChecker{}

// Self returns the pid of the calling process.
func Self() uint32 {
	return uint32(os.Getpid())
}

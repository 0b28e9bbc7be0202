package broker

import (
	"encoding/binary"
)

// Counter byte states. The low 7 bits are the state, the high bit marks a
// slot that counts as a viewer.
const (
	CounterFree       = 0
	CounterAlive      = 1
	CounterTimeout    = 125 // owner process verified dead, or aged out
	CounterStop       = 126 // graceful stop
	CounterDisconnect = 127 // client asked to disconnect
	CounterCounted    = 0x80
	counterState      = 0x7f

	// AliveThreshold is the number of missed sweeps after which a client
	// considers its own slot lost.
	AliveThreshold = 60
)

// Chain page sizes double from MinPageSize up to MaxPageSize.
const (
	MinPageSize = 16 << 10
	MaxPageSize = 32 << 20
)

// PageSize returns the size of chain page i.
func PageSize(i int) int {
	if i < 0 {
		return 0
	}
	if i >= 11 {
		return MaxPageSize
	}
	return min(MinPageSize<<i, MaxPageSize)
}

// slot is a bounds-checked view of one record inside a chain page.
type slot struct {
	buf        []byte
	hasCounter bool
}

func slotLen(payLen int, hasCounter bool) int {
	if hasCounter {
		return payLen + 1
	}
	return payLen
}

func slotAt(mem []byte, index, payLen int, hasCounter bool) (slot, bool) {
	size := slotLen(payLen, hasCounter)
	start := index * size
	if size <= 0 || start < 0 || start+size > len(mem) {
		return slot{}, false
	}
	return slot{buf: mem[start : start+size : start+size], hasCounter: hasCounter}, true
}

func (s slot) counter() byte {
	if !s.hasCounter {
		return 0
	}
	return s.buf[0]
}

func (s slot) setCounter(c byte) {
	if s.hasCounter {
		s.buf[0] = c
	}
}

func (s slot) state() byte {
	return s.counter() & counterState
}

func (s slot) payload() []byte {
	if s.hasCounter {
		return s.buf[1:]
	}
	return s.buf
}

// pidLen is the size of the owner pid trailer at the end of every payload.
const pidLen = 4

// pid reads the owner process id from the last 4 bytes of the payload.
func (s slot) pid() uint32 {
	p := s.payload()
	if len(p) < pidLen {
		return 0
	}
	return binary.LittleEndian.Uint32(p[len(p)-pidLen:])
}

func (s slot) setPid(pid uint32) {
	p := s.payload()
	if len(p) < pidLen {
		return
	}
	binary.LittleEndian.PutUint32(p[len(p)-pidLen:], pid)
}

// data is the part of the payload a client may write, without the pid.
func (s slot) data() []byte {
	p := s.payload()
	return p[:max(len(p)-pidLen, 0)]
}

func (s slot) payloadEmpty() bool {
	for _, b := range s.payload() {
		if b != 0 {
			return false
		}
	}
	return true
}

// inUse is the presence test: a non-zero counter, or for counter-less
// chains any non-zero payload byte.
func (s slot) inUse() bool {
	if s.hasCounter {
		return s.counter() != CounterFree
	}
	return !s.payloadEmpty()
}

// isFree is the claim test used by clients.
func (s slot) isFree() bool {
	return !s.inUse()
}

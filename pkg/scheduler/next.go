package scheduler

import (
	"time"

	"github.com/kbats183/shmstream/pkg/packet"
)

// Next advances to the earliest pending packet across the selected tracks
// and waits until it is due. It returns false once every track has ended,
// or when the connection must stop (see Err).
func (s *Scheduler) Next() bool {
	if s.state != Streaming && s.state != Draining {
		return false
	}
	if !s.tick() {
		return false
	}
	for {
		e, ok := s.pending.pop()
		if !ok {
			s.state = Finished
			log.Debugf("Stream (%s) all tracks ended", s.reader.Stream())
			return false
		}
		page := s.reader.Page(e.track)
		if page == nil {
			s.drop(e.track, "no data page")
			continue
		}
		buf := page.Bytes()
		if e.offset >= len(buf) || packet.IsSentinel(buf[e.offset:]) {
			if !s.resume(&e) {
				if s.err != nil {
					return false
				}
				s.drop(e.track, "end of data")
				continue
			}
			s.pending.insert(e)
			continue
		}
		p, n, err := packet.Decode(buf[e.offset:])
		if err != nil {
			s.drop(e.track, err.Error())
			continue
		}
		if last, ok := s.lastTime[e.track]; ok && p.TimeMs < last {
			log.Warnf("Stream (%s) track %d: time went backwards (%d < %d)", s.reader.Stream(), e.track, p.TimeMs, last)
			s.drop(e.track, "time went backwards")
			continue
		}
		if p.TimeMs != e.time {
			// the queued time was an estimate; requeue at the real one
			e.time = p.TimeMs
			s.pending.insert(e)
			continue
		}
		if s.config.CompleteKeysOnly && !s.waitCompleteKeys(p.TimeMs) {
			return false
		}
		if !s.pace(p.TimeMs) {
			return false
		}

		s.lastTime[e.track] = p.TimeMs
		s.current = p
		s.position = p.TimeMs
		s.down += uint64(n)
		e.offset += n
		e.time = p.TimeMs + 1
		if _, next, err := packet.Peek(buf[e.offset:]); err == nil {
			e.time = next
		}
		s.pending.insert(e)
		s.report()
		return true
	}
}

func (s *Scheduler) drop(track uint32, reason string) {
	log.Debugf("Stream (%s) track %d dropped: %s", s.reader.Stream(), track, reason)
	s.pending.remove(track)
	s.reader.Release(track)
	s.dropped[track] = true
	if len(s.pending) > 0 {
		s.state = Draining
	}
}

// pace blocks until the packet at timeMs is due.
func (s *Scheduler) pace(timeMs uint64) bool {
	if s.config.Rate <= 0 {
		return true
	}
	due := s.firstTime.Add(s.scaled(timeMs)).Add(-s.config.Lead)
	for {
		now := s.clock.Now()
		if !now.Before(due) {
			return true
		}
		if !s.wait(min(due.Sub(now), tickInterval)) {
			return false
		}
	}
}

// keysComplete reports whether every live selected track has a key after
// timeMs, i.e. the key containing timeMs is fully written.
func (s *Scheduler) keysComplete(timeMs uint64) bool {
	meta := s.reader.Meta()
	if !meta.Live {
		return true
	}
	for _, id := range s.selected {
		if s.dropped[id] {
			continue
		}
		t, ok := meta.Track(id)
		if !ok {
			continue
		}
		last, ok := t.LastKey()
		if !ok || last.TimeMs <= timeMs {
			return false
		}
	}
	return true
}

// keyWait is the patience of complete-keys mode.
func (s *Scheduler) keyWait() time.Duration {
	var spacing time.Duration
	meta := s.reader.Meta()
	for _, id := range s.selected {
		if t, ok := meta.Track(id); ok {
			spacing = max(spacing, t.KeySpacing())
		}
	}
	wait := time.Duration(float64(spacing) * s.config.KeyWaitMultiplier)
	return min(max(wait, minKeyWait), maxKeyWait)
}

func (s *Scheduler) waitCompleteKeys(timeMs uint64) bool {
	deadline := s.clock.Now().Add(s.keyWait())
	for !s.keysComplete(timeMs) {
		if !s.clock.Now().Before(deadline) {
			log.Debugf("Stream (%s) key at %dms still incomplete, sending anyway", s.reader.Stream(), timeMs)
			return true
		}
		if !s.wait(PollInterval) {
			return false
		}
		if err := s.reader.UpdateMeta(); err != nil {
			log.Debugf("Stream (%s) metadata refresh failed: %v", s.reader.Stream(), err)
		}
	}
	return true
}

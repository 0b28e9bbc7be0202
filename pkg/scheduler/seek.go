package scheduler

import (
	"time"

	"github.com/kbats183/shmstream/pkg/packet"
)

func (s *Scheduler) scaled(ms uint64) time.Duration {
	if s.config.Rate <= 0 {
		return 0
	}
	rate := uint64(s.config.Rate)
	whole, rem := ms/rate, ms%rate
	return time.Duration(whole)*RealTime*time.Millisecond +
		time.Duration(rem)*RealTime*time.Millisecond/time.Duration(rate)
}

// Seek restarts playback of every selected track at positionMs. It reports
// whether any track has data there.
func (s *Scheduler) Seek(positionMs uint64) bool {
	if s.err != nil {
		return false
	}
	s.state = Seeking
	s.firstTime = s.clock.Now().Add(-s.scaled(positionMs))
	s.pending = nil
	s.current = packet.Packet{}
	s.position = positionMs
	clear(s.dropped)
	clear(s.lastTime)
	if err := s.reader.UpdateMeta(); err != nil {
		log.Warnf("Stream (%s) metadata refresh failed: %v", s.reader.Stream(), err)
	}
	for _, track := range s.selected {
		if !s.seekTrack(track, positionMs) {
			s.dropped[track] = true
		}
		if s.err != nil {
			return false
		}
	}
	if len(s.pending) == 0 {
		log.Infof("Stream (%s) nothing to play at %dms", s.reader.Stream(), positionMs)
		s.state = Finished
		return false
	}
	s.state = Streaming
	return true
}

// seekTrack finds the first packet of track at or after pos and queues it.
func (s *Scheduler) seekTrack(track uint32, pos uint64) bool {
	meta := s.reader.Meta()
	t, ok := meta.Track(track)
	if !ok {
		log.Warnf("Stream (%s) track %d does not exist", s.reader.Stream(), track)
		return false
	}
	if !meta.Live && pos > t.LastMs {
		log.Debugf("Stream (%s) track %d ends at %dms, before %dms", s.reader.Stream(), track, t.LastMs, pos)
		s.reader.Release(track)
		return false
	}
	key, ok := t.KeyForTime(pos)
	if !ok {
		log.Warnf("Stream (%s) track %d has no keys", s.reader.Stream(), track)
		return false
	}
	if s.config.SeekNextKey && key.TimeMs < pos {
		if next, ok := t.Key(key.Number + 1); ok {
			key = next
			pos = key.TimeMs
		}
	}
	if !s.reader.LoadPageForKey(track, key.Number) {
		return false
	}

	e := entry{track: track}
	for {
		page := s.reader.Page(track)
		if page == nil {
			return false
		}
		buf := page.Bytes()
		if e.offset >= len(buf) || packet.IsSentinel(buf[e.offset:]) {
			if !s.resume(&e) {
				return false
			}
			continue
		}
		n, timeMs, err := packet.Peek(buf[e.offset:])
		if err != nil {
			log.Warnf("Stream (%s) track %d: bad packet at %d: %v", s.reader.Stream(), track, e.offset, err)
			return false
		}
		if timeMs >= pos {
			e.time = timeMs
			s.pending.insert(e)
			return true
		}
		e.offset += n
	}
}

// resume is called when e points at the end of the written data. It moves
// e to the next data page, or waits for the writer to append, up to
// GapPolls polls. It reports whether e now points at data.
func (s *Scheduler) resume(e *entry) bool {
	for polls := 0; ; polls++ {
		page := s.reader.Page(e.track)
		if page == nil {
			return false
		}
		buf := page.Bytes()
		if e.offset < len(buf) && !packet.IsSentinel(buf[e.offset:]) {
			return true
		}
		next, ok := s.reader.NextPageKey(e.track)
		if ok {
			number, published := s.reader.PageNumberForKey(e.track, next)
			switch {
			case published && number == page.Number:
				// the key was appended to this page after the check above
				if e.offset < len(buf) && !packet.IsSentinel(buf[e.offset:]) {
					return true
				}
			case published || !s.reader.Live():
				if !s.reader.LoadPageForKey(e.track, next) {
					return false
				}
				e.offset = 0
				continue
			}
		} else if !s.reader.Live() {
			return false
		}
		if polls >= GapPolls {
			log.Infof("Stream (%s) track %d: no new data after %v", s.reader.Stream(), e.track, GapPolls*PollInterval)
			return false
		}
		if polls%10 == 0 {
			s.refresh()
		}
		if !s.wait(PollInterval) {
			return false
		}
	}
}

// refresh re-reads the metadata and starts tracks that appeared since the
// selection was made.
func (s *Scheduler) refresh() {
	if err := s.reader.UpdateMeta(); err != nil {
		return
	}
	if !s.autoSelect || len(s.reader.Meta().Tracks) == s.knownTracks {
		return
	}
	before := make(map[uint32]bool, len(s.selected))
	for _, id := range s.selected {
		before[id] = true
	}
	s.SelectDefaultTracks()
	for _, id := range s.selected {
		if before[id] || s.pending.has(id) {
			continue
		}
		log.Infof("Stream (%s) new track %d joins at %dms", s.reader.Stream(), id, s.position)
		if !s.seekTrack(id, s.position) {
			s.dropped[id] = true
		}
	}
}

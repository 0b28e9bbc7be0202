package registry

import (
	"sort"
	"time"

	"github.com/kbats183/shmstream/pkg/api"
	"github.com/kbats183/shmstream/pkg/stats"
)

// liveWindow is how recent a viewer update must be for the stream to count
// as live.
const liveWindow = 3 * time.Second

type stream struct {
	name    string
	viewers map[int]stats.Viewer
	status  *streamStatus
}

type streamStatus struct {
	bitrate       uint
	lastFrameTime time.Time
	lastDown      uint64
	lastSweep     time.Time
}

func newStream(name string) *stream {
	return &stream{
		name:    name,
		viewers: make(map[int]stats.Viewer),
	}
}

func (s *stream) totals() (up, down uint64) {
	for _, v := range s.viewers {
		up += v.Up
		down += v.Down
	}
	return up, down
}

// updateStatus derives the outgoing bitrate from the growth of the bytes
// sent since the previous sweep.
func (s *stream) updateStatus(now time.Time) {
	_, down := s.totals()
	var last time.Time
	for _, v := range s.viewers {
		if v.LastUpdate.After(last) {
			last = v.LastUpdate
		}
	}
	if s.status == nil {
		s.status = &streamStatus{lastDown: down, lastSweep: now, lastFrameTime: last}
		return
	}
	if elapsed := now.Sub(s.status.lastSweep).Seconds(); elapsed > 0 && down >= s.status.lastDown {
		s.status.bitrate = uint(float64(down-s.status.lastDown) * 8 / elapsed)
	}
	s.status.lastDown = down
	s.status.lastSweep = now
	s.status.lastFrameTime = last
}

func (s *stream) toApi() *api.Stream {
	up, down := s.totals()
	return &api.Stream{
		Name:      s.name,
		Viewers:   len(s.viewers),
		BytesUp:   up,
		BytesDown: down,
	}
}

func (s *stream) statusAt(now time.Time) *api.StreamStatus {
	if s.status == nil {
		return &api.StreamStatus{Viewers: len(s.viewers)}
	}
	return &api.StreamStatus{
		IsLive:        now.Sub(s.status.lastFrameTime) < liveWindow,
		Viewers:       len(s.viewers),
		Bitrate:       s.status.bitrate,
		LastFrameTime: s.status.lastFrameTime.Unix(),
	}
}

func (s *stream) viewerList() []*api.Viewer {
	viewers := make([]*api.Viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, api.ViewerFromStats(&v))
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i].Slot < viewers[j].Slot })
	return viewers
}

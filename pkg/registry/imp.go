package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/kbats183/shmstream/pkg/api"
	"github.com/kbats183/shmstream/pkg/stats"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "registry")

type registryImpl struct {
	streams     map[string]*stream
	kicker      Kicker
	now         time.Time
	subscribers map[chan []*api.Viewer]struct{}
	mux         sync.Mutex
}

func (r *registryImpl) GetStreams() ([]*api.Stream, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	streams := make([]*api.Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s.toApi())
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Name < streams[j].Name })
	return streams, nil
}

func (r *registryImpl) GetStream(name string) (*api.Stream, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if s, ok := r.streams[name]; ok {
		return s.toApi(), nil
	}
	return nil, StreamNotFound{}
}

func (r *registryImpl) GetStatus(name string) (*api.StreamStatus, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if s, ok := r.streams[name]; ok {
		return s.statusAt(r.now), nil
	}
	return nil, StreamNotFound{}
}

func (r *registryImpl) GetViewers(name string) ([]*api.Viewer, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if s, ok := r.streams[name]; ok {
		return s.viewerList(), nil
	}
	return nil, StreamNotFound{}
}

func (r *registryImpl) AllViewers() []*api.Viewer {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.allViewers()
}

func (r *registryImpl) allViewers() []*api.Viewer {
	viewers := make([]*api.Viewer, 0)
	for _, s := range r.streams {
		viewers = append(viewers, s.viewerList()...)
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i].Slot < viewers[j].Slot })
	return viewers
}

func (r *registryImpl) KickViewer(name string, slot int) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	s, ok := r.streams[name]
	if !ok {
		return StreamNotFound{}
	}
	v, ok := s.viewers[slot]
	if !ok || !r.kicker.Kick(slot, v.Session) {
		return ViewerNotFound{Slot: slot}
	}
	v.Deauthorized = true
	s.viewers[slot] = v
	log.Infof("Stream (%s) viewer %s in slot %d deauthorized", name, v.Session, slot)
	return nil
}

// KickStream deauthorizes every viewer of a stream and returns how many
// were still there.
func (r *registryImpl) KickStream(name string) (int, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	s, ok := r.streams[name]
	if !ok {
		return 0, StreamNotFound{}
	}
	kicked := 0
	for slot, v := range s.viewers {
		if r.kicker.Kick(slot, v.Session) {
			v.Deauthorized = true
			s.viewers[slot] = v
			kicked++
		}
	}
	log.Infof("Stream (%s) %d viewers deauthorized", name, kicked)
	return kicked, nil
}

func (r *registryImpl) Update(viewers []stats.Viewer, now time.Time) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.now = now

	seen := make(map[string]map[int]stats.Viewer)
	for _, v := range viewers {
		if seen[v.Stream] == nil {
			seen[v.Stream] = make(map[int]stats.Viewer)
		}
		seen[v.Stream][v.Slot] = v
	}
	for name := range r.streams {
		if _, ok := seen[name]; !ok {
			log.Debugf("Stream (%s) has no viewers left", name)
			delete(r.streams, name)
		}
	}
	for name, vs := range seen {
		s, ok := r.streams[name]
		if !ok {
			s = newStream(name)
			r.streams[name] = s
			log.Debugf("Stream (%s) has viewers", name)
		}
		s.viewers = vs
		s.updateStatus(now)
	}

	if len(r.subscribers) == 0 {
		return
	}
	snapshot := r.allViewers()
	for ch := range r.subscribers {
		select {
		case ch <- snapshot:
		default:
			// the subscriber is behind; it gets the next sweep
		}
	}
}

func (r *registryImpl) Subscribe() (<-chan []*api.Viewer, func()) {
	ch := make(chan []*api.Viewer, 1)
	r.mux.Lock()
	r.subscribers[ch] = struct{}{}
	r.mux.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mux.Lock()
			delete(r.subscribers, ch)
			r.mux.Unlock()
		})
	}
}

func NewRegistry(kicker Kicker) Registry {
	return &registryImpl{
		streams:     make(map[string]*stream),
		kicker:      kicker,
		subscribers: make(map[chan []*api.Viewer]struct{}),
	}
}

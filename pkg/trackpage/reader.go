// Package trackpage implements the shared-memory layout of a stream: a
// metadata page, and per track a page index and append-only data pages.
//
// Readers locate the data page holding any key range through the index and
// never talk to the writer.
package trackpage

import (
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/kbats183/shmstream/pkg/retry"
	"github.com/kbats183/shmstream/pkg/shm"
	"github.com/kbats183/shmstream/pkg/shmname"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "trackpage")

// Poll budget of LoadPageForKey.
const (
	PollInterval   = 100 * time.Millisecond
	ReconnectPolls = 30
	GiveUpPolls    = 100
)

type ReaderConfig struct {
	Clock retry.Clock
	// IndexCache is the number of track indexes kept open.
	IndexCache int
	// Progress is called while LoadPageForKey waits for a key.
	Progress func(track, key uint32)
	// AttachBackoff makes NewReader wait for the writer to appear.
	AttachBackoff bool
}

func prepareReaderConfig(c *ReaderConfig) {
	if c.Clock == nil {
		c.Clock = retry.RealClock
	}
	if c.IndexCache <= 0 {
		c.IndexCache = 16
	}
}

// DataPage is the data page a reader currently has open for a track.
type DataPage struct {
	Number uint32
	page   *shm.Page
}

// Bytes returns the mapped page. It aliases shared memory.
func (dp *DataPage) Bytes() []byte {
	if dp == nil {
		return nil
	}
	return dp.page.Bytes()
}

// Reader is the consuming side of a stream. It is not safe for concurrent
// use; each output process drives its own.
type Reader struct {
	stream  string
	config  ReaderConfig
	meta    *MetaPage
	state   Meta
	indexes *lru.Cache
	pages   map[uint32]*DataPage
}

// NewReader attaches to a stream's metadata.
func NewReader(stream string, config ReaderConfig) (*Reader, error) {
	prepareReaderConfig(&config)
	r := &Reader{
		stream: stream,
		config: config,
		pages:  make(map[uint32]*DataPage),
	}
	r.indexes = lru.New(config.IndexCache)
	r.indexes.OnEvicted = func(key lru.Key, value interface{}) {
		value.(*Index).Close()
	}
	r.meta = OpenMeta(stream, shm.Options{Clock: config.Clock}, config.AttachBackoff)
	if !r.meta.Valid() {
		return nil, ErrNoMeta
	}
	if err := r.UpdateMeta(); err != nil {
		r.meta.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) Stream() string {
	return r.stream
}

// Meta returns the metadata as of the last UpdateMeta.
func (r *Reader) Meta() *Meta {
	return &r.state
}

// UpdateMeta re-reads the metadata page.
func (r *Reader) UpdateMeta() error {
	m, err := r.meta.Read()
	if err != nil {
		return err
	}
	r.state = m
	return nil
}

// Live reports whether the stream is unbounded.
func (r *Reader) Live() bool {
	return r.state.Live
}

func (r *Reader) index(track uint32) *Index {
	if v, ok := r.indexes.Get(track); ok {
		return v.(*Index)
	}
	ix := OpenIndex(r.stream, track)
	if !ix.Valid() {
		return nil
	}
	r.indexes.Add(track, ix)
	return ix
}

// PageNumberForKey returns the number of the data page holding key.
func (r *Reader) PageNumberForKey(track, key uint32) (uint32, bool) {
	ix := r.index(track)
	if ix == nil {
		return 0, false
	}
	return ix.PageNumberForKey(key)
}

// reconnect drops every cached handle on the writer's side, which may have
// been replaced by a restarted writer, and reattaches.
func (r *Reader) reconnect() {
	log.Infof("Stream (%s) reconnecting to writer", r.stream)
	r.indexes.Clear()
	if r.meta.Exists() {
		r.UpdateMeta()
		return
	}
	r.meta.Close()
	r.meta = OpenMeta(r.stream, shm.Options{Clock: r.config.Clock}, false)
	if err := r.UpdateMeta(); err != nil {
		log.Warnf("Stream (%s) metadata unavailable: %v", r.stream, err)
	}
}

// LoadPageForKey makes the data page holding key the current page of track.
// A finite track asked for a key past its end is released. Otherwise the
// index is polled every PollInterval, reconnecting after ReconnectPolls and
// giving up, with the track released, after GiveUpPolls. Loading the page
// that is already current is a no-op.
func (r *Reader) LoadPageForKey(track, key uint32) bool {
	if !r.state.Live {
		if t, ok := r.state.Track(track); ok {
			if last, ok := t.LastKey(); !ok || key > last.Number {
				log.Debugf("Stream (%s) track %d ends before key %d", r.stream, track, key)
				r.Release(track)
				return false
			}
		}
	}

	var number uint32
	for polls := 1; ; polls++ {
		var ok bool
		if number, ok = r.PageNumberForKey(track, key); ok {
			break
		}
		if polls == 1 {
			log.Infof("Stream (%s) track %d: waiting for key %d", r.stream, track, key)
		}
		if r.config.Progress != nil {
			r.config.Progress(track, key)
		}
		if polls >= GiveUpPolls {
			log.Warnf("Stream (%s) track %d: timed out waiting for key %d", r.stream, track, key)
			r.Release(track)
			return false
		}
		if polls == ReconnectPolls {
			r.reconnect()
		}
		r.config.Clock.Sleep(PollInterval)
	}

	if cur, ok := r.pages[track]; ok && cur.Number == number {
		return true
	}
	name := shmname.TrackData{Stream: r.stream, Track: track, Page: number}.Name()
	page := shm.Attach(name, false)
	if !page.Valid() {
		log.Warnf("Stream (%s) track %d: data page %d not mapped: %v", r.stream, track, number, page.Err())
		r.Release(track)
		return false
	}
	r.Release(track)
	r.pages[track] = &DataPage{Number: number, page: page}
	return true
}

// NextPageKey returns the first key past the current data page of track.
// On a live stream the answer grows while the writer still fills the page.
func (r *Reader) NextPageKey(track uint32) (uint32, bool) {
	cur, ok := r.pages[track]
	if !ok {
		return 0, false
	}
	ix := r.index(track)
	if ix == nil {
		return 0, false
	}
	e, ok := ix.EntryForPage(cur.Number)
	if !ok {
		return 0, false
	}
	return e.StartKey + e.KeyCount, true
}

// Page returns the current data page of track, or nil.
func (r *Reader) Page(track uint32) *DataPage {
	return r.pages[track]
}

// Release closes the current data page of track.
func (r *Reader) Release(track uint32) {
	if cur, ok := r.pages[track]; ok {
		cur.page.Close()
		delete(r.pages, track)
	}
}

// Close releases every page and index handle.
func (r *Reader) Close() error {
	for track := range r.pages {
		r.Release(track)
	}
	r.indexes.Clear()
	return r.meta.Close()
}

package trackpage

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/kbats183/shmstream/pkg/packet"
	"github.com/kbats183/shmstream/pkg/process"
	"github.com/kbats183/shmstream/pkg/shm"
	"github.com/kbats183/shmstream/pkg/shmname"
	"github.com/pkg/errors"
	"github.com/yapingcat/gomedia/go-codec"
)

// DefaultDataSize is the size of a track data page.
const DefaultDataSize = 25 << 20

var (
	ErrUnknownTrack = errors.New("trackpage: unknown track")
	ErrTrackExists  = errors.New("trackpage: track already added")
	ErrNoKey        = errors.New("trackpage: a track must start with a key frame")
	ErrPageFull     = errors.New("trackpage: data page full")
	ErrIndexFull    = errors.New("trackpage: page index full")
	ErrClosed       = errors.New("trackpage: writer closed")
)

type WriterConfig struct {
	// KeysPerPage is the number of key ranges stored in one data page.
	KeysPerPage int
	// DataSize is the size of each data page.
	DataSize int
	// MaxPages bounds the data pages kept per track; older pages are
	// retired from the index and unlinked. Zero keeps every page.
	MaxPages int
	Live     bool
}

func prepareWriterConfig(c *WriterConfig) {
	if c.KeysPerPage <= 0 {
		c.KeysPerPage = 10
	}
	if c.DataSize <= 0 {
		c.DataSize = DefaultDataSize
	}
}

type dataPage struct {
	page  *shm.Page
	entry int
	start uint32
	keys  uint32
}

type trackWriter struct {
	index  *Index
	pages  []*dataPage
	offset int
	next   int // next free index entry
}

func (tw *trackWriter) current() *dataPage {
	if len(tw.pages) == 0 {
		return nil
	}
	return tw.pages[len(tw.pages)-1]
}

// Writer is the producing side of a stream: it owns the metadata page and,
// per track, the page index and the data pages.
type Writer struct {
	stream string
	config WriterConfig
	meta   *MetaPage
	state  Meta
	tracks map[uint32]*trackWriter
	closed bool

	mu sync.Mutex
}

func NewWriter(stream string, config WriterConfig) (*Writer, error) {
	prepareWriterConfig(&config)
	meta := CreateMeta(stream)
	if !meta.Valid() {
		return nil, errors.Wrapf(meta.page.Err(), "create metadata of %s", stream)
	}
	w := &Writer{
		stream: stream,
		config: config,
		meta:   meta,
		state:  Meta{Live: config.Live, WriterPid: process.Self()},
		tracks: make(map[uint32]*trackWriter),
	}
	if err := w.meta.Write(w.state); err != nil {
		meta.Close()
		return nil, err
	}
	log.Infof("Stream (%s) writer started", stream)
	return w, nil
}

// AddTrack declares a track and publishes its empty page index.
func (w *Writer) AddTrack(id uint32, cid codec.CodecID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.tracks[id]; ok {
		return ErrTrackExists
	}
	index := CreateIndex(w.stream, id)
	if !index.Valid() {
		return errors.Wrapf(index.page.Err(), "create index of track %d", id)
	}
	w.tracks[id] = &trackWriter{index: index}
	w.state.Tracks = append(w.state.Tracks, Track{ID: id, Type: TrackType(cid), Codec: cid})
	return w.meta.Write(w.state)
}

// WritePacket appends one packet to a track. A key frame starts a new key
// range and, every KeysPerPage keys, a new data page. The packet becomes
// visible to readers only once it is completely written.
func (w *Writer) WritePacket(id uint32, timeMs uint64, key bool, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	tw, ok := w.tracks[id]
	if !ok {
		return ErrUnknownTrack
	}
	track, _ := w.state.Track(id)

	cur := tw.current()
	if cur == nil && !key {
		return ErrNoKey
	}
	var number uint32
	if key {
		if len(track.Keys) > 0 {
			number = track.Keys[len(track.Keys)-1].Number + 1
		}
		if cur == nil || cur.keys >= uint32(w.config.KeysPerPage) {
			var err error
			if cur, err = w.openPage(id, tw, number); err != nil {
				return err
			}
		}
	}

	p := packet.Packet{Track: id, TimeMs: timeMs, Key: key, Payload: payload}
	n := p.Len()
	mem := cur.page.Bytes()
	if tw.offset+n+packet.SentinelLen > len(mem) {
		return ErrPageFull
	}
	packet.Publish(mem[tw.offset:], p)
	tw.offset += n

	if key {
		cur.keys++
		track.Keys = append(track.Keys, Key{Number: number, TimeMs: timeMs})
		tw.index.SetCount(cur.entry, cur.keys)
	}
	if last := len(track.Keys) - 1; last >= 0 {
		track.Keys[last].Size += uint32(n)
	}
	if len(track.Keys) == 1 && key {
		track.FirstMs = timeMs
	}
	track.LastMs = timeMs
	if key {
		return w.meta.Write(w.state)
	}
	return nil
}

func (w *Writer) openPage(id uint32, tw *trackWriter, start uint32) (*dataPage, error) {
	entry := -1
	for i := 0; i < IndexEntries; i++ {
		slot := (tw.next + i) % IndexEntries
		if tw.index.At(slot).KeyCount == 0 {
			entry = slot
			break
		}
	}
	if entry < 0 {
		return nil, ErrIndexFull
	}
	page := shm.Create(shmname.TrackData{Stream: w.stream, Track: id, Page: start}.Name(), w.config.DataSize)
	if !page.Valid() {
		return nil, errors.Wrapf(page.Err(), "create data page %d of track %d", start, id)
	}
	dp := &dataPage{page: page, entry: entry, start: start}
	tw.pages = append(tw.pages, dp)
	tw.offset = 0
	tw.next = entry + 1
	// zero count until the first key lands
	tw.index.Set(entry, Entry{StartKey: start})
	log.Debugf("Stream (%s) track %d: data page %d", w.stream, id, start)

	if w.config.MaxPages > 0 && len(tw.pages) > w.config.MaxPages {
		old := tw.pages[0]
		tw.pages = tw.pages[1:]
		tw.index.Set(old.entry, Entry{})
		if err := old.page.Close(); err != nil {
			log.Warnf("Stream (%s) track %d: retiring page %d: %v", w.stream, id, old.start, err)
		}
		w.dropKeys(id, tw.pages[0].start)
	}
	return dp, nil
}

// dropKeys forgets keys stored in retired pages.
func (w *Writer) dropKeys(id uint32, first uint32) {
	track, _ := w.state.Track(id)
	i := 0
	for i < len(track.Keys) && track.Keys[i].Number < first {
		i++
	}
	track.Keys = append([]Key(nil), track.Keys[i:]...)
	if len(track.Keys) > 0 {
		track.FirstMs = track.Keys[0].TimeMs
	}
}

// SetLive marks the stream as live (unbounded) or finished.
func (w *Writer) SetLive(live bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.state.Live = live
	return w.meta.Write(w.state)
}

// Flush publishes the current metadata.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.meta.Write(w.state)
}

// Meta returns a copy of the metadata as last written.
func (w *Writer) Meta() Meta {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.state
	m.Tracks = make([]Track, len(w.state.Tracks))
	for i, t := range w.state.Tracks {
		t.Keys = append([]Key(nil), t.Keys...)
		m.Tracks[i] = t
	}
	return m
}

// Close unlinks every page of the stream.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var result *multierror.Error
	for _, tw := range w.tracks {
		for _, dp := range tw.pages {
			if err := dp.page.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := tw.index.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := w.meta.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	log.Infof("Stream (%s) writer closed", w.stream)
	return result.ErrorOrNil()
}

package trackpage

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/kbats183/shmstream/pkg/shm"
	"github.com/kbats183/shmstream/pkg/shmname"
	"github.com/pkg/errors"
	"github.com/yapingcat/gomedia/go-codec"
)

// MetaSize is the size of a stream's metadata page.
const MetaSize = 1 << 20

const (
	offSeq     = 0
	offLen     = 4
	metaHeader = 8

	readMaxRetries     = 10
	readInitialBackoff = 50 * time.Microsecond
	readMaxBackoff     = time.Millisecond
)

var (
	// ErrBusy means the metadata kept changing under the reader.
	ErrBusy         = errors.New("trackpage: metadata busy")
	ErrNoMeta       = errors.New("trackpage: metadata not available")
	ErrMetaTooLarge = errors.New("trackpage: metadata does not fit its page")
)

// Key describes one key frame of a track.
type Key struct {
	Number uint32 `json:"number"`
	TimeMs uint64 `json:"time"`
	Size   uint32 `json:"size"`
}

// Track is the metadata of one track.
type Track struct {
	ID      uint32        `json:"id"`
	Type    string        `json:"type"`
	Codec   codec.CodecID `json:"codec"`
	FirstMs uint64        `json:"firstms"`
	LastMs  uint64        `json:"lastms"`
	Keys    []Key         `json:"keys"`
}

func (t *Track) CodecName() string {
	return CodecName(t.Codec)
}

// KeyForTime returns the last key at or before ms, or the first key when ms
// precedes every key.
func (t *Track) KeyForTime(ms uint64) (Key, bool) {
	if len(t.Keys) == 0 {
		return Key{}, false
	}
	i := sort.Search(len(t.Keys), func(i int) bool { return t.Keys[i].TimeMs > ms })
	if i == 0 {
		return t.Keys[0], true
	}
	return t.Keys[i-1], true
}

// Key looks a key up by number.
func (t *Track) Key(number uint32) (Key, bool) {
	if len(t.Keys) == 0 || number < t.Keys[0].Number {
		return Key{}, false
	}
	i := int(number - t.Keys[0].Number)
	if i >= len(t.Keys) {
		return Key{}, false
	}
	return t.Keys[i], true
}

func (t *Track) LastKey() (Key, bool) {
	if len(t.Keys) == 0 {
		return Key{}, false
	}
	return t.Keys[len(t.Keys)-1], true
}

// KeySpacing is the average time between keys, zero when unknown.
func (t *Track) KeySpacing() time.Duration {
	if len(t.Keys) < 2 {
		return 0
	}
	first, last := t.Keys[0], t.Keys[len(t.Keys)-1]
	return time.Duration(last.TimeMs-first.TimeMs) * time.Millisecond / time.Duration(len(t.Keys)-1)
}

// Meta is the metadata document of a stream.
type Meta struct {
	Live      bool    `json:"live"`
	WriterPid uint32  `json:"writer_pid"`
	Tracks    []Track `json:"tracks"`
}

func (m *Meta) Track(id uint32) (*Track, bool) {
	for i := range m.Tracks {
		if m.Tracks[i].ID == id {
			return &m.Tracks[i], true
		}
	}
	return nil, false
}

// MetaPage holds a stream's metadata as JSON behind a sequence counter. The
// writer makes the counter odd while it rewrites the document; readers retry
// when they see an odd or changed counter.
type MetaPage struct {
	page *shm.Page
}

// OpenMeta attaches to the metadata page of a stream.
func OpenMeta(stream string, opts shm.Options, autoBackoff bool) *MetaPage {
	return &MetaPage{page: shm.OpenWith(shmname.StreamMeta{Stream: stream}.Name(), MetaSize, false, autoBackoff, opts)}
}

// CreateMeta creates the metadata page of a stream.
func CreateMeta(stream string) *MetaPage {
	return &MetaPage{page: shm.Create(shmname.StreamMeta{Stream: stream}.Name(), MetaSize)}
}

func (mp *MetaPage) Valid() bool {
	return mp != nil && mp.page.Valid()
}

// Exists reports whether the writer still publishes this page.
func (mp *MetaPage) Exists() bool {
	return mp.Valid() && mp.page.Exists()
}

func readBackoff(attempt int) {
	if attempt == 0 {
		return
	}
	time.Sleep(min(readInitialBackoff<<(attempt-1), readMaxBackoff))
}

// Read returns a consistent copy of the document.
func (mp *MetaPage) Read() (Meta, error) {
	if !mp.Valid() {
		return Meta{}, ErrNoMeta
	}
	mem := mp.page.Bytes()
	var buf []byte
	for attempt := range readMaxRetries {
		readBackoff(attempt)
		s1 := loadBE32(mem, offSeq)
		if s1%2 == 1 {
			continue
		}
		n := int(loadBE32(mem, offLen))
		if n == 0 {
			if loadBE32(mem, offSeq) == s1 {
				return Meta{}, ErrNoMeta
			}
			continue
		}
		if n > len(mem)-metaHeader {
			continue
		}
		buf = append(buf[:0], mem[metaHeader:metaHeader+n]...)
		if loadBE32(mem, offSeq) != s1 {
			continue
		}
		var m Meta
		if err := json.Unmarshal(buf, &m); err != nil {
			return Meta{}, errors.Wrap(err, "decode stream metadata")
		}
		return m, nil
	}
	return Meta{}, ErrBusy
}

// Write publishes m. Only the page owner writes.
func (mp *MetaPage) Write(m Meta) error {
	if !mp.Valid() {
		return ErrNoMeta
	}
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode stream metadata")
	}
	mem := mp.page.Bytes()
	if len(data) > len(mem)-metaHeader {
		return ErrMetaTooLarge
	}
	seq := loadBE32(mem, offSeq)
	storeBE32(mem, offSeq, seq+1)
	copy(mem[metaHeader:], data)
	storeBE32(mem, offLen, uint32(len(data)))
	storeBE32(mem, offSeq, seq+2)
	return nil
}

func (mp *MetaPage) Close() error {
	if mp == nil {
		return nil
	}
	return mp.page.Close()
}

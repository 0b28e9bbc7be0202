package trackpage

import (
	"github.com/kbats183/shmstream/pkg/shm"
	"github.com/kbats183/shmstream/pkg/shmname"
)

const (
	IndexEntries = 1024
	entryLen     = 8
	IndexSize    = IndexEntries * entryLen
)

// Entry maps the key range [StartKey, StartKey+KeyCount) to the data page
// numbered StartKey. KeyCount zero marks a free entry.
type Entry struct {
	StartKey uint32
	KeyCount uint32
}

func (e Entry) Contains(key uint32) bool {
	return e.KeyCount > 0 && key >= e.StartKey && key-e.StartKey < e.KeyCount
}

// Index is the page index of one track.
type Index struct {
	page *shm.Page
}

// OpenIndex attaches to the index of a track without waiting for it.
func OpenIndex(stream string, track uint32) *Index {
	return &Index{page: shm.Attach(shmname.TrackIndex{Stream: stream, Track: track}.Name(), false)}
}

// CreateIndex creates the index of a track. Used by the writer.
func CreateIndex(stream string, track uint32) *Index {
	return &Index{page: shm.Create(shmname.TrackIndex{Stream: stream, Track: track}.Name(), IndexSize)}
}

func (ix *Index) Valid() bool {
	return ix != nil && ix.page.Valid()
}

// Exists reports whether the index this handle mapped is still published.
func (ix *Index) Exists() bool {
	return ix.Valid() && ix.page.Exists()
}

func (ix *Index) entries() int {
	if !ix.Valid() {
		return 0
	}
	return min(ix.page.Len()/entryLen, IndexEntries)
}

func (ix *Index) At(i int) Entry {
	if i < 0 || i >= ix.entries() {
		return Entry{}
	}
	mem := ix.page.Bytes()
	off := i * entryLen
	return Entry{StartKey: loadBE32(mem, off), KeyCount: loadBE32(mem, off+4)}
}

// Set stores entry i. The start key is written first so that a non-zero
// count never describes a stale range.
func (ix *Index) Set(i int, e Entry) {
	if i < 0 || i >= ix.entries() {
		return
	}
	mem := ix.page.Bytes()
	off := i * entryLen
	storeBE32(mem, off+4, 0)
	storeBE32(mem, off, e.StartKey)
	storeBE32(mem, off+4, e.KeyCount)
}

// SetCount updates the key count of entry i in place.
func (ix *Index) SetCount(i int, count uint32) {
	if i < 0 || i >= ix.entries() {
		return
	}
	storeBE32(ix.page.Bytes(), i*entryLen+4, count)
}

// Entries returns the used entries in index order.
func (ix *Index) Entries() []Entry {
	var out []Entry
	for i := 0; i < ix.entries(); i++ {
		if e := ix.At(i); e.KeyCount > 0 {
			out = append(out, e)
		}
	}
	return out
}

// EntryForPage returns the used entry describing data page start.
func (ix *Index) EntryForPage(start uint32) (Entry, bool) {
	for i := 0; i < ix.entries(); i++ {
		if e := ix.At(i); e.KeyCount > 0 && e.StartKey == start {
			return e, true
		}
	}
	return Entry{}, false
}

// PageNumberForKey returns the number of the data page holding key.
func (ix *Index) PageNumberForKey(key uint32) (uint32, bool) {
	for i := 0; i < ix.entries(); i++ {
		if e := ix.At(i); e.Contains(key) {
			return e.StartKey, true
		}
	}
	return 0, false
}

func (ix *Index) Close() error {
	if ix == nil {
		return nil
	}
	return ix.page.Close()
}

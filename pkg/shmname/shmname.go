// Package shmname maps typed shared-memory keys to canonical object names.
//
// Every process computes the same name from the same key, which is what lets
// unrelated readers find a writer's pages without a directory service.
// Stream names are escaped so that distinct keys never share a name.
package shmname

import (
	"fmt"
	"strings"
)

const (
	prefixIndex = "shmstream_idx_"
	prefixData  = "shmstream_data_"
	prefixMeta  = "shmstream_meta_"
	prefixSem   = "shmstream_sem_"
)

// MaxBrokerPages is the number of pages a slot broker chain may hold (A..Z).
const MaxBrokerPages = 26

// Escape makes a stream name safe for use as a file name and unambiguous next
// to the '@' and '_' separators used below.
func Escape(stream string) string {
	var b strings.Builder
	for i := 0; i < len(stream); i++ {
		c := stream[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.', c == '+':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// TrackIndex names the page index of one track.
type TrackIndex struct {
	Stream string
	Track  uint32
}

func (k TrackIndex) Name() string {
	return fmt.Sprintf("%s%s@%d", prefixIndex, Escape(k.Stream), k.Track)
}

// TrackData names one data page of a track. Page is the first key number the
// page holds.
type TrackData struct {
	Stream string
	Track  uint32
	Page   uint32
}

func (k TrackData) Name() string {
	return fmt.Sprintf("%s%s@%d_%d", prefixData, Escape(k.Stream), k.Track, k.Page)
}

// StreamMeta names the metadata page of a stream.
type StreamMeta struct {
	Stream string
}

func (k StreamMeta) Name() string {
	return prefixMeta + Escape(k.Stream)
}

// BrokerPage names page i of the slot broker chain rooted at base.
func BrokerPage(base string, i int) string {
	if i < 0 || i >= MaxBrokerPages {
		return ""
	}
	return Escape(base) + string(rune('A'+i))
}

// Semaphore names the backing object of a named semaphore.
func Semaphore(name string) string {
	return prefixSem + Escape(strings.TrimPrefix(name, "/"))
}

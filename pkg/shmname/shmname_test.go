package shmname

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscape(t *testing.T) {
	assert.Equal(t, "live", Escape("live"))
	assert.Equal(t, "live%2Fcam1", Escape("live/cam1"))
	assert.Equal(t, "a%40b%5F1", Escape("a@b_1"))
	assert.Equal(t, "%25", Escape("%"))
}

func TestNamesHaveNoSlash(t *testing.T) {
	for _, name := range []string{
		TrackIndex{Stream: "a/b", Track: 1}.Name(),
		TrackData{Stream: "/x/", Track: 2, Page: 3}.Name(),
		StreamMeta{Stream: "a/b"}.Name(),
		BrokerPage("stats/x", 0),
		Semaphore("/stats"),
	} {
		assert.NotContains(t, name, "/")
	}
}

func TestTrackDataCollisionFree(t *testing.T) {
	streams := []string{"", "a", "a@1", "a_1", "a@1_2", "a%401", "a1", "1", "live", "live@", "@", "_"}
	seen := make(map[string]TrackData)
	for _, stream := range streams {
		for track := uint32(0); track < 24; track++ {
			for page := uint32(0); page < 120; page += 7 {
				k := TrackData{Stream: stream, Track: track, Page: page}
				name := k.Name()
				prev, dup := seen[name]
				require.False(t, dup, "%v and %v both map to %s", prev, k, name)
				seen[name] = k
			}
		}
	}
}

func TestTrackIndexCollisionFree(t *testing.T) {
	seen := make(map[string]TrackIndex)
	for s := 0; s < 50; s++ {
		stream := fmt.Sprintf("s%d", s)
		if s%3 == 0 {
			stream += "@" + strings.Repeat("1", s%5)
		}
		for track := uint32(0); track < 100; track++ {
			k := TrackIndex{Stream: stream, Track: track}
			prev, dup := seen[k.Name()]
			require.False(t, dup, "%v and %v collide", prev, k)
			seen[k.Name()] = k
		}
	}
}

func TestKindsDoNotCollide(t *testing.T) {
	idx := TrackIndex{Stream: "s", Track: 1}.Name()
	data := TrackData{Stream: "s", Track: 1, Page: 0}.Name()
	meta := StreamMeta{Stream: "s"}.Name()
	sem := Semaphore("s")
	assert.Len(t, map[string]bool{idx: true, data: true, meta: true, sem: true}, 4)
}

func TestBrokerPage(t *testing.T) {
	assert.Equal(t, "statsA", BrokerPage("stats", 0))
	assert.Equal(t, "statsZ", BrokerPage("stats", 25))
	assert.Equal(t, "", BrokerPage("stats", 26))
	assert.Equal(t, "", BrokerPage("stats", -1))
}

package scheduler

import (
	"sort"
	"strings"

	"github.com/kbats183/shmstream/pkg/trackpage"
)

// Wildcard in a Group accepts any codec.
const Wildcard = "*"

// Group is a set of interchangeable codecs; a selection fills each group
// with at most one track.
type Group []string

// Combination is a set of groups an output can carry at the same time.
type Combination []Group

// Capabilities lists the combinations an output supports, best first.
type Capabilities []Combination

// DefaultCapabilities is one video and one audio track.
var DefaultCapabilities = Capabilities{
	{
		{"H264", "HEVC"},
		{"AAC", "opus", "MP3", "ALAW", "ULAW"},
	},
}

func (g Group) accepts(codecName string) bool {
	for _, c := range g {
		if c == Wildcard || strings.EqualFold(c, codecName) {
			return true
		}
	}
	return false
}

// fill assigns one track per group, preferring tracks in prefer. It
// returns the chosen tracks and how many of them came from prefer.
func (c Combination) fill(tracks []trackpage.Track, prefer map[uint32]bool) ([]uint32, int) {
	used := make(map[uint32]bool)
	var chosen []uint32
	kept := 0
	for _, g := range c {
		pick, found := uint32(0), false
		for _, t := range tracks {
			if prefer[t.ID] && !used[t.ID] && g.accepts(t.CodecName()) {
				pick, found = t.ID, true
				kept++
				break
			}
		}
		if !found {
			for _, t := range tracks {
				if !used[t.ID] && g.accepts(t.CodecName()) {
					pick, found = t.ID, true
					break
				}
			}
		}
		if found {
			used[pick] = true
			chosen = append(chosen, pick)
		}
	}
	return chosen, kept
}

// Select replaces the selection with the given tracks. An explicit
// selection is not extended when new tracks appear.
func (s *Scheduler) Select(ids ...uint32) {
	s.setSelected(ids)
	s.autoSelect = false
	s.knownTracks = len(s.reader.Meta().Tracks)
}

func (s *Scheduler) setSelected(ids []uint32) {
	s.selected = append([]uint32(nil), ids...)
	sort.Slice(s.selected, func(i, j int) bool { return s.selected[i] < s.selected[j] })
}

// SelectDefaultTracks picks the capability combination covering the most
// tracks of the stream, keeping already selected tracks where they fit, and
// makes it the selection.
func (s *Scheduler) SelectDefaultTracks() []uint32 {
	tracks := append([]trackpage.Track(nil), s.reader.Meta().Tracks...)
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
	prefer := make(map[uint32]bool, len(s.selected))
	for _, id := range s.selected {
		prefer[id] = true
	}

	var best []uint32
	bestKept := -1
	for _, combo := range s.config.Capabilities {
		chosen, kept := combo.fill(tracks, prefer)
		if len(chosen) > len(best) || (len(chosen) == len(best) && kept > bestKept) {
			best, bestKept = chosen, kept
		}
	}
	s.setSelected(best)
	s.autoSelect = true
	s.knownTracks = len(tracks)
	log.Debugf("Stream (%s) selected tracks %v", s.reader.Stream(), s.selected)
	return s.Selected()
}

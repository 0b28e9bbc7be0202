package scheduler

import "sort"

// entry is the next read position of one track.
type entry struct {
	track  uint32
	time   uint64
	offset int
}

func (e entry) less(o entry) bool {
	if e.time != o.time {
		return e.time < o.time
	}
	return e.track < o.track
}

// pendingSet holds at most one entry per track, ordered by time then track
// id. Selections are a handful of tracks, so a sorted slice is enough.
type pendingSet []entry

func (p *pendingSet) insert(e entry) {
	p.remove(e.track)
	i := sort.Search(len(*p), func(i int) bool { return e.less((*p)[i]) })
	*p = append(*p, entry{})
	copy((*p)[i+1:], (*p)[i:])
	(*p)[i] = e
}

func (p *pendingSet) pop() (entry, bool) {
	if len(*p) == 0 {
		return entry{}, false
	}
	e := (*p)[0]
	*p = (*p)[1:]
	return e, true
}

func (p *pendingSet) remove(track uint32) {
	for i, e := range *p {
		if e.track == track {
			*p = append((*p)[:i], (*p)[i+1:]...)
			return
		}
	}
}

func (p pendingSet) has(track uint32) bool {
	for _, e := range p {
		if e.track == track {
			return true
		}
	}
	return false
}

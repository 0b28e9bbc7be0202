package scheduler

import (
	"context"

	"github.com/kbats183/shmstream/pkg/medias"
)

// Run hands packets to sink one at a time until the stream ends, the sink
// closes or ctx is done. Frames alias shared memory; a sink that keeps them
// past Play must Clone the batch.
func (s *Scheduler) Run(ctx context.Context, sink medias.MediaConsumer) error {
	s.ctx = ctx
	defer func() { s.ctx = context.Background() }()
	for {
		if sink.IsClosed() {
			return nil
		}
		if !s.Next() {
			return s.Err()
		}
		p := s.current
		frame := medias.MediaFrame{
			Time:     s.clock.Now(),
			Track:    p.Track,
			Frame:    p.Payload,
			Pts:      uint32(p.TimeMs),
			Dts:      uint32(p.TimeMs),
			IsIFrame: p.Key,
		}
		if t, ok := s.reader.Meta().Track(p.Track); ok {
			frame.Cid = t.Codec
		}
		sink.Play(&medias.MediaFrameBatch{Frames: []medias.MediaFrame{frame}, StartTime: s.firstTime})
		s.up += uint64(len(p.Payload))
	}
}

package medias

import (
	"time"

	"github.com/yapingcat/gomedia/go-codec"
)

// MediaFrame is one packet handed to an output.
type MediaFrame struct {
	Time     time.Time
	Track    uint32
	Cid      codec.CodecID
	Frame    []byte
	Pts      uint32
	Dts      uint32
	IsIFrame bool
}

func (f *MediaFrame) clone() MediaFrame {
	frame := make([]byte, len(f.Frame))
	copy(frame, f.Frame)
	return MediaFrame{
		Time:     f.Time,
		Track:    f.Track,
		Cid:      f.Cid,
		Frame:    frame,
		Pts:      f.Pts,
		Dts:      f.Dts,
		IsIFrame: f.IsIFrame,
	}
}

type MediaFrameBatch struct {
	Frames    []MediaFrame
	StartTime time.Time
}

// Clone deep-copies the batch so it outlives the shared memory it came from.
func (b *MediaFrameBatch) Clone() *MediaFrameBatch {
	frames := make([]MediaFrame, len(b.Frames))
	for i, frame := range b.Frames {
		frames[i] = frame.clone()
	}
	return &MediaFrameBatch{
		Frames:    frames,
		StartTime: b.StartTime,
	}
}

// MediaConsumer is an output: it receives batches from a scheduler and
// serializes them into whatever it writes.
type MediaConsumer interface {
	Play(batch *MediaFrameBatch)
	Id() string
	IsClosed() bool
	Close() error
}

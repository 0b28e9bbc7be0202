package medias

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/kbats183/shmstream/pkg/utils"
	"github.com/yapingcat/gomedia/go-codec"
)

// TraceConsumer prints one line per frame: key frames in green, other
// video in cyan, audio in yellow.
type TraceConsumer struct {
	id     string
	out    io.Writer
	closed atomic.Bool
	frames atomic.Uint64

	key   *color.Color
	video *color.Color
	audio *color.Color
}

func NewTraceConsumer(out io.Writer, noColor bool) *TraceConsumer {
	cn := &TraceConsumer{
		id:    utils.GenId(),
		out:   out,
		key:   color.New(color.FgGreen, color.Bold),
		video: color.New(color.FgCyan),
		audio: color.New(color.FgYellow),
	}
	if noColor {
		cn.key.DisableColor()
		cn.video.DisableColor()
		cn.audio.DisableColor()
	}
	return cn
}

func (cn *TraceConsumer) Play(batch *MediaFrameBatch) {
	if cn.closed.Load() {
		return
	}
	for i := range batch.Frames {
		frame := &batch.Frames[i]
		c := cn.audio
		switch {
		case frame.IsIFrame && isVideo(frame.Cid):
			c = cn.key
		case isVideo(frame.Cid):
			c = cn.video
		}
		line := fmt.Sprintf("track %d %10dms %6d bytes", frame.Track, frame.Pts, len(frame.Frame))
		if frame.IsIFrame {
			line += " key"
		}
		c.Fprintln(cn.out, line)
		cn.frames.Add(1)
	}
}

func isVideo(cid codec.CodecID) bool {
	return cid == codec.CODECID_VIDEO_H264 || cid == codec.CODECID_VIDEO_H265
}

func (cn *TraceConsumer) Id() string {
	return cn.id
}

// Frames is the number of frames printed.
func (cn *TraceConsumer) Frames() uint64 {
	return cn.frames.Load()
}

func (cn *TraceConsumer) IsClosed() bool {
	return cn.closed.Load()
}

func (cn *TraceConsumer) Close() error {
	cn.closed.Store(true)
	return nil
}

package medias

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/kbats183/shmstream/pkg/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "medias")

const (
	maxQueuedBatches  = 90
	keptQueuedBatches = 45
)

// WriterConsumer writes frames to an io.Writer from its own goroutine, each
// frame prefixed by track id, pts and length (big endian u32s). A slow
// writer loses the older half of its queue instead of stalling playback.
// Output starts at the first key frame.
type WriterConsumer struct {
	id  string
	out io.Writer

	quit   chan struct{}
	quited atomic.Bool
	die    sync.Once
	done   chan struct{}
	err    error

	framesBatches []*MediaFrameBatch
	framesMtx     sync.Mutex
	frameCome     chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

func NewWriterConsumer(out io.Writer) *WriterConsumer {
	consumer := &WriterConsumer{
		id:            utils.GenId(),
		out:           out,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		frameCome:     make(chan struct{}, 1),
		framesBatches: make([]*MediaFrameBatch, 0, maxQueuedBatches),
	}
	go consumer.writeLoop()
	return consumer
}

func (cn *WriterConsumer) Play(batch *MediaFrameBatch) {
	if cn.quited.Load() {
		return
	}
	cn.framesMtx.Lock()
	if len(cn.framesBatches) >= maxQueuedBatches {
		cn.dropped.Add(uint64(len(cn.framesBatches) - keptQueuedBatches))
		cn.framesBatches = append(cn.framesBatches[:0], cn.framesBatches[len(cn.framesBatches)-keptQueuedBatches:]...)
	}
	cn.framesBatches = append(cn.framesBatches, batch.Clone())
	cn.framesMtx.Unlock()
	select {
	case cn.frameCome <- struct{}{}:
	default:
	}
}

func (cn *WriterConsumer) Id() string {
	return cn.id
}

// Written is the number of payload bytes written so far.
func (cn *WriterConsumer) Written() uint64 {
	return cn.written.Load()
}

// Dropped is the number of batches discarded because the writer fell behind.
func (cn *WriterConsumer) Dropped() uint64 {
	return cn.dropped.Load()
}

func (cn *WriterConsumer) IsClosed() bool {
	return cn.quited.Load()
}

// Close flushes the queue and stops the writer goroutine. It returns the
// first write error, if any.
func (cn *WriterConsumer) Close() error {
	cn.die.Do(func() {
		cn.quited.Store(true)
		close(cn.quit)
	})
	<-cn.done
	return cn.err
}

func (cn *WriterConsumer) writeFrame(frame *MediaFrame) error {
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:], frame.Track)
	binary.BigEndian.PutUint32(header[4:], frame.Pts)
	binary.BigEndian.PutUint32(header[8:], uint32(len(frame.Frame)))
	if _, err := cn.out.Write(header[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := cn.out.Write(frame.Frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	cn.written.Add(uint64(len(frame.Frame)))
	return nil
}

func (cn *WriterConsumer) flush(waitKey *bool) bool {
	cn.framesMtx.Lock()
	batches := cn.framesBatches
	cn.framesBatches = nil
	cn.framesMtx.Unlock()

	for _, batch := range batches {
		for i := range batch.Frames {
			frame := &batch.Frames[i]
			if *waitKey { // wait for I frame
				if !frame.IsIFrame {
					continue
				}
				*waitKey = false
			}
			if err := cn.writeFrame(frame); err != nil {
				log.Warnf("WriterConsumer (%s) write error: %v", cn.id, err)
				cn.err = err
				cn.quited.Store(true)
				return false
			}
		}
	}
	return true
}

func (cn *WriterConsumer) writeLoop() {
	defer close(cn.done)
	waitKey := true
	for {
		select {
		case <-cn.frameCome:
			if !cn.flush(&waitKey) {
				return
			}
		case <-cn.quit:
			cn.flush(&waitKey)
			return
		}
	}
}

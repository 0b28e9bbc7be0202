package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kbats183/shmstream/pkg/medias"
	"github.com/kbats183/shmstream/pkg/retry"
	"github.com/kbats183/shmstream/pkg/shm"
	"github.com/kbats183/shmstream/pkg/trackpage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yapingcat/gomedia/go-codec"
)

type delivered struct {
	track  uint32
	timeMs uint64
}

type fakePresence struct {
	deauth  bool
	updates int
	ticks   int
	closed  bool
	down    uint64
}

func (p *fakePresence) Update(up, down, positionMs uint64) {
	p.updates++
	p.down = down
}

func (p *fakePresence) Tick() {
	p.ticks++
}

func (p *fakePresence) Deauthorized() bool {
	return p.deauth
}

func (p *fakePresence) Close() error {
	p.closed = true
	return nil
}

type recorder struct {
	frames []medias.MediaFrame
	closed bool
}

func (r *recorder) Play(batch *medias.MediaFrameBatch) {
	r.frames = append(r.frames, batch.Clone().Frames...)
}

func (r *recorder) Id() string {
	return "recorder"
}

func (r *recorder) IsClosed() bool {
	return r.closed
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func testStream(t *testing.T) string {
	t.Helper()
	t.Setenv(shm.DirEnv, t.TempDir())
	return "vod/" + uuid.NewString()
}

func newWriter(t *testing.T, stream string, config trackpage.WriterConfig) *trackpage.Writer {
	t.Helper()
	config.DataSize = 64 << 10
	w, err := trackpage.NewWriter(stream, config)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func newScheduler(t *testing.T, stream string, presence Presence, config Config) *Scheduler {
	t.Helper()
	r, err := trackpage.NewReader(stream, trackpage.ReaderConfig{Clock: config.Clock})
	require.NoError(t, err)
	s := New(r, presence, config)
	t.Cleanup(func() { s.Close() })
	return s
}

// writeTwoTracks writes video keys at 0, 1000, 2000 and audio keys at 0, 1500.
func writeTwoTracks(t *testing.T, w *trackpage.Writer) {
	t.Helper()
	require.NoError(t, w.AddTrack(1, codec.CODECID_VIDEO_H264))
	require.NoError(t, w.AddTrack(2, codec.CODECID_AUDIO_AAC))
	for _, ms := range []uint64{0, 1000, 2000} {
		require.NoError(t, w.WritePacket(1, ms, true, []byte{1, byte(ms / 100)}))
	}
	for _, ms := range []uint64{0, 1500} {
		require.NoError(t, w.WritePacket(2, ms, true, []byte{2, byte(ms / 100)}))
	}
}

func drain(s *Scheduler) []delivered {
	var out []delivered
	for s.Next() {
		p := s.Packet()
		out = append(out, delivered{p.Track, p.TimeMs})
	}
	return out
}

func TestMergedOrderAfterSeek(t *testing.T) {
	stream := testStream(t)
	writeTwoTracks(t, newWriter(t, stream, trackpage.WriterConfig{KeysPerPage: 1}))

	clock := retry.NewFakeClock(time.Unix(0, 0))
	s := newScheduler(t, stream, nil, Config{Clock: clock})
	assert.Equal(t, Uninitialized, s.State())
	assert.False(t, s.Next())
	assert.Equal(t, []uint32{1, 2}, s.SelectDefaultTracks())

	require.True(t, s.Seek(500))
	assert.Equal(t, Streaming, s.State())
	assert.True(t, s.HasNext())
	assert.Equal(t, []delivered{{1, 1000}, {2, 1500}, {1, 2000}}, drain(s))
	assert.Equal(t, Finished, s.State())
	assert.NoError(t, s.Err())
	assert.False(t, s.HasNext())
	assert.Equal(t, 0, clock.Sleeps())
}

func TestTiesGoToLowerTrack(t *testing.T) {
	stream := testStream(t)
	writeTwoTracks(t, newWriter(t, stream, trackpage.WriterConfig{KeysPerPage: 2}))

	s := newScheduler(t, stream, nil, Config{Clock: retry.NewFakeClock(time.Unix(0, 0))})
	s.SelectDefaultTracks()
	require.True(t, s.Seek(0))
	assert.Equal(t, []delivered{{1, 0}, {2, 0}, {1, 1000}, {2, 1500}, {1, 2000}}, drain(s))
}

func TestSeekPastVODEnd(t *testing.T) {
	stream := testStream(t)
	writeTwoTracks(t, newWriter(t, stream, trackpage.WriterConfig{KeysPerPage: 1}))

	s := newScheduler(t, stream, nil, Config{Clock: retry.NewFakeClock(time.Unix(0, 0))})
	s.SelectDefaultTracks()
	assert.False(t, s.Seek(5000))
	assert.Equal(t, Finished, s.State())
	assert.NoError(t, s.Err())

	// audio ends at 1500 and is dropped, video still has a packet
	require.True(t, s.Seek(1700))
	assert.Equal(t, []delivered{{1, 2000}}, drain(s))
}

func TestSeekNextKey(t *testing.T) {
	stream := testStream(t)
	w := newWriter(t, stream, trackpage.WriterConfig{KeysPerPage: 5})
	require.NoError(t, w.AddTrack(1, codec.CODECID_AUDIO_AAC))
	require.NoError(t, w.WritePacket(1, 0, true, []byte("k0")))
	require.NoError(t, w.WritePacket(1, 500, false, []byte("d")))
	require.NoError(t, w.WritePacket(1, 1000, true, []byte("k1")))

	s := newScheduler(t, stream, nil, Config{Clock: retry.NewFakeClock(time.Unix(0, 0)), SeekNextKey: true})
	s.SelectDefaultTracks()
	require.True(t, s.Seek(200))
	assert.Equal(t, []delivered{{1, 1000}}, drain(s))
}

func TestRealTimePacing(t *testing.T) {
	for _, tc := range []struct {
		name  string
		rate  int
		slept time.Duration
	}{
		{"real time", RealTime, 1500 * time.Millisecond},
		{"double speed", 2 * RealTime, 750 * time.Millisecond},
		{"unthrottled", Unthrottled, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			stream := testStream(t)
			writeTwoTracks(t, newWriter(t, stream, trackpage.WriterConfig{KeysPerPage: 1}))

			clock := retry.NewFakeClock(time.Unix(100, 0))
			presence := &fakePresence{}
			s := newScheduler(t, stream, presence, Config{Clock: clock, Rate: tc.rate})
			s.SelectDefaultTracks()
			require.True(t, s.Seek(500))
			assert.Len(t, drain(s), 3)
			assert.Equal(t, tc.slept, clock.Slept())
			assert.Equal(t, 3, presence.updates)
			assert.NotZero(t, presence.down)
		})
	}
}

func TestScaledLargeTimestamps(t *testing.T) {
	const epochMs = 1_700_000_000_000
	for _, tc := range []struct {
		rate int
		ms   uint64
		want time.Duration
	}{
		{RealTime, epochMs, epochMs * time.Millisecond},
		{2 * RealTime, epochMs, epochMs / 2 * time.Millisecond},
		{RealTime / 2, 1500, 3 * time.Second},
		{3, 10, 3333333333},
		{Unthrottled, epochMs, 0},
	} {
		s := &Scheduler{config: Config{Rate: tc.rate}}
		assert.Equal(t, tc.want, s.scaled(tc.ms), "rate %d, %dms", tc.rate, tc.ms)
	}
}

func TestLiveEdgeWaitsThenDrops(t *testing.T) {
	stream := testStream(t)
	w := newWriter(t, stream, trackpage.WriterConfig{Live: true})
	require.NoError(t, w.AddTrack(1, codec.CODECID_AUDIO_AAC))
	require.NoError(t, w.WritePacket(1, 0, true, []byte("k")))
	require.NoError(t, w.WritePacket(1, 40, false, []byte("d")))

	clock := retry.NewFakeClock(time.Unix(0, 0))
	clock.OnSleep(func(time.Duration) {
		if clock.Sleeps() == 2 {
			w.WritePacket(1, 80, false, []byte("late"))
		}
	})
	presence := &fakePresence{}
	s := newScheduler(t, stream, presence, Config{Clock: clock})
	s.SelectDefaultTracks()
	require.True(t, s.Seek(0))

	assert.Equal(t, []delivered{{1, 0}, {1, 40}, {1, 80}}, drain(s))
	assert.Equal(t, 2+GapPolls, clock.Sleeps())
	assert.Equal(t, Finished, s.State())
	assert.NoError(t, s.Err())
	assert.GreaterOrEqual(t, presence.ticks, 2+GapPolls)
}

func TestKeyAppendedToCurrentLivePage(t *testing.T) {
	stream := testStream(t)
	w := newWriter(t, stream, trackpage.WriterConfig{Live: true})
	require.NoError(t, w.AddTrack(1, codec.CODECID_AUDIO_AAC))
	require.NoError(t, w.WritePacket(1, 0, true, []byte("k")))
	require.NoError(t, w.WritePacket(1, 40, false, []byte("d")))

	clock := retry.NewFakeClock(time.Unix(0, 0))
	clock.OnSleep(func(time.Duration) {
		if clock.Sleeps() == 1 {
			w.WritePacket(1, 80, true, []byte("k2"))
			w.WritePacket(1, 120, false, []byte("d2"))
		}
	})
	s := newScheduler(t, stream, nil, Config{Clock: clock})
	s.SelectDefaultTracks()
	require.True(t, s.Seek(0))

	assert.Equal(t, []delivered{{1, 0}, {1, 40}, {1, 80}, {1, 120}}, drain(s))
	assert.Equal(t, 1+GapPolls, clock.Sleeps())
	assert.NoError(t, s.Err())
	assert.Equal(t, Finished, s.State())
	assert.Len(t, w.Meta().Tracks[0].Keys, 2, "both keys share the first data page")
}

func TestTimeGoingBackwardsDropsTrack(t *testing.T) {
	stream := testStream(t)
	w := newWriter(t, stream, trackpage.WriterConfig{})
	writeTwoTracks(t, w)
	require.NoError(t, w.WritePacket(1, 900, false, []byte("bad")))
	require.NoError(t, w.WritePacket(1, 3000, false, []byte("lost")))

	s := newScheduler(t, stream, nil, Config{Clock: retry.NewFakeClock(time.Unix(0, 0))})
	s.SelectDefaultTracks()
	require.True(t, s.Seek(0))

	got := drain(s)
	assert.Equal(t, []delivered{{1, 0}, {2, 0}, {1, 1000}, {2, 1500}, {1, 2000}}, got)
	assert.Equal(t, Finished, s.State())
}

func TestDrainingWhenOneTrackEnds(t *testing.T) {
	stream := testStream(t)
	writeTwoTracks(t, newWriter(t, stream, trackpage.WriterConfig{}))

	s := newScheduler(t, stream, nil, Config{Clock: retry.NewFakeClock(time.Unix(0, 0))})
	s.SelectDefaultTracks()
	require.True(t, s.Seek(1200))
	require.True(t, s.Next())
	assert.Equal(t, delivered{2, 1500}, delivered{s.Packet().Track, s.Packet().TimeMs})
	require.True(t, s.Next())
	assert.Equal(t, uint64(2000), s.Packet().TimeMs)
	assert.Equal(t, Draining, s.State())
	assert.False(t, s.Next())
	assert.Equal(t, Finished, s.State())
}

func TestDeauthorizationStopsPlayback(t *testing.T) {
	stream := testStream(t)
	writeTwoTracks(t, newWriter(t, stream, trackpage.WriterConfig{}))

	presence := &fakePresence{}
	s := newScheduler(t, stream, presence, Config{Clock: retry.NewFakeClock(time.Unix(0, 0))})
	s.SelectDefaultTracks()
	require.True(t, s.Seek(0))
	require.True(t, s.Next())

	presence.deauth = true
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), ErrDeauthorized)
	assert.Equal(t, Finished, s.State())
	assert.False(t, s.HasNext())
	assert.False(t, s.Seek(0))

	require.NoError(t, s.Close())
	assert.True(t, presence.closed)
}

func TestCompleteKeysOnly(t *testing.T) {
	stream := testStream(t)
	w := newWriter(t, stream, trackpage.WriterConfig{Live: true})
	require.NoError(t, w.AddTrack(1, codec.CODECID_AUDIO_AAC))
	require.NoError(t, w.AddTrack(2, codec.CODECID_AUDIO_OPUS))
	require.NoError(t, w.WritePacket(1, 0, true, []byte("a0")))
	require.NoError(t, w.WritePacket(1, 1000, true, []byte("a1")))
	require.NoError(t, w.WritePacket(2, 0, true, []byte("b0")))

	clock := retry.NewFakeClock(time.Unix(0, 0))
	clock.OnSleep(func(time.Duration) {
		if clock.Sleeps() == 5 {
			w.WritePacket(2, 1500, true, []byte("b1"))
		}
	})
	s := newScheduler(t, stream, nil, Config{Clock: clock, CompleteKeysOnly: true})
	s.Select(1, 2)
	require.True(t, s.Seek(0))

	require.True(t, s.Next())
	assert.Equal(t, delivered{1, 0}, delivered{s.Packet().Track, s.Packet().TimeMs})
	assert.Equal(t, 500*time.Millisecond, clock.Slept())

	require.True(t, s.Next())
	assert.Equal(t, delivered{2, 0}, delivered{s.Packet().Track, s.Packet().TimeMs})
	assert.Equal(t, 500*time.Millisecond, clock.Slept())
}

func TestCompleteKeysOnlyIsBounded(t *testing.T) {
	stream := testStream(t)
	w := newWriter(t, stream, trackpage.WriterConfig{Live: true})
	require.NoError(t, w.AddTrack(1, codec.CODECID_AUDIO_AAC))
	require.NoError(t, w.AddTrack(2, codec.CODECID_AUDIO_OPUS))
	require.NoError(t, w.WritePacket(1, 0, true, []byte("a0")))
	require.NoError(t, w.WritePacket(1, 1000, true, []byte("a1")))
	require.NoError(t, w.WritePacket(2, 0, true, []byte("b0")))

	clock := retry.NewFakeClock(time.Unix(0, 0))
	s := newScheduler(t, stream, nil, Config{Clock: clock, CompleteKeysOnly: true})
	s.Select(1, 2)
	require.True(t, s.Seek(0))
	require.True(t, s.Next())
	// three times the one second key spacing of track 1
	assert.Equal(t, 3*time.Second, clock.Slept())
}

func TestSelectDefaultTracks(t *testing.T) {
	stream := testStream(t)
	w := newWriter(t, stream, trackpage.WriterConfig{})
	require.NoError(t, w.AddTrack(1, codec.CODECID_VIDEO_H264))
	require.NoError(t, w.AddTrack(2, codec.CODECID_AUDIO_AAC))
	require.NoError(t, w.AddTrack(3, codec.CODECID_AUDIO_AAC))
	require.NoError(t, w.AddTrack(4, codec.CODECID_AUDIO_OPUS))

	clock := retry.NewFakeClock(time.Unix(0, 0))
	s := newScheduler(t, stream, nil, Config{Clock: clock})
	assert.Equal(t, []uint32{1, 2}, s.SelectDefaultTracks())

	s.Select(3)
	assert.Equal(t, []uint32{1, 3}, s.SelectDefaultTracks(), "selected tracks are kept")

	s = newScheduler(t, stream, nil, Config{Clock: clock, Capabilities: Capabilities{{{Wildcard}}}})
	assert.Equal(t, []uint32{1}, s.SelectDefaultTracks())

	s = newScheduler(t, stream, nil, Config{Clock: clock, Capabilities: Capabilities{
		{{"VP9"}},
		{{"opus"}, {"aac"}},
	}})
	assert.Equal(t, []uint32{2, 4}, s.SelectDefaultTracks(), "the combination covering most tracks wins")
}

func TestNewTrackJoinsLiveStream(t *testing.T) {
	stream := testStream(t)
	w := newWriter(t, stream, trackpage.WriterConfig{Live: true})
	require.NoError(t, w.AddTrack(2, codec.CODECID_AUDIO_AAC))
	require.NoError(t, w.WritePacket(2, 0, true, []byte("a")))

	clock := retry.NewFakeClock(time.Unix(0, 0))
	clock.OnSleep(func(time.Duration) {
		if clock.Sleeps() == 1 {
			w.AddTrack(1, codec.CODECID_VIDEO_H264)
			w.WritePacket(1, 0, true, []byte("v"))
		}
	})
	s := newScheduler(t, stream, nil, Config{Clock: clock})
	assert.Equal(t, []uint32{2}, s.SelectDefaultTracks())
	require.True(t, s.Seek(0))

	got := drain(s)
	assert.Equal(t, []delivered{{2, 0}, {1, 0}}, got)
	assert.Equal(t, []uint32{1, 2}, s.Selected())
}

func TestRunHandsFramesToSink(t *testing.T) {
	stream := testStream(t)
	writeTwoTracks(t, newWriter(t, stream, trackpage.WriterConfig{KeysPerPage: 1}))

	s := newScheduler(t, stream, nil, Config{Clock: retry.NewFakeClock(time.Unix(0, 0))})
	s.SelectDefaultTracks()
	require.True(t, s.Seek(500))

	sink := &recorder{}
	require.NoError(t, s.Run(context.Background(), sink))
	require.Len(t, sink.frames, 3)
	assert.Equal(t, codec.CODECID_VIDEO_H264, sink.frames[0].Cid)
	assert.Equal(t, uint32(1000), sink.frames[0].Pts)
	assert.Equal(t, []byte{1, 10}, sink.frames[0].Frame)
	assert.Equal(t, codec.CODECID_AUDIO_AAC, sink.frames[1].Cid)
	assert.True(t, sink.frames[2].IsIFrame)
}

func TestRunStopsOnCancel(t *testing.T) {
	stream := testStream(t)
	writeTwoTracks(t, newWriter(t, stream, trackpage.WriterConfig{}))

	s := newScheduler(t, stream, nil, Config{Clock: retry.NewFakeClock(time.Unix(0, 0))})
	s.SelectDefaultTracks()
	require.True(t, s.Seek(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx, &recorder{}), context.Canceled)

	closed := &recorder{closed: true}
	assert.NoError(t, s.Run(context.Background(), closed))
	assert.Empty(t, closed.frames)
}

package statsserver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kbats183/shmstream/pkg/broker"
	"github.com/kbats183/shmstream/pkg/process"
	"github.com/kbats183/shmstream/pkg/registry"
	"github.com/kbats183/shmstream/pkg/retry"
	"github.com/kbats183/shmstream/pkg/shm"
	"github.com/kbats183/shmstream/pkg/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alive = process.CheckerFunc(func(uint32) bool { return true })

type sinkFunc func(viewers []stats.Viewer, now time.Time)

func (f sinkFunc) Update(viewers []stats.Viewer, now time.Time) {
	f(viewers, now)
}

func newStatsServer(t *testing.T, clock retry.Clock) (*StatsServer, string) {
	t.Helper()
	t.Setenv(shm.DirEnv, t.TempDir())
	name := "stats_" + uuid.NewString()
	s, err := NewStatsServer(StatsServerConfig{
		Broker:  name,
		Options: []broker.Option{broker.WithChecker(alive), broker.WithClock(clock)},
	})
	require.NoError(t, err)
	return s, name
}

func newReporter(t *testing.T, name, stream string, clock retry.Clock) *stats.Reporter {
	t.Helper()
	r, err := stats.NewReporter(stats.ReporterConfig{
		Broker:    name,
		Stream:    stream,
		Connector: "TEST",
		Counted:   true,
		Clock:     clock,
	})
	require.NoError(t, err)
	return r
}

func TestSweepFeedsRegistry(t *testing.T) {
	clock := retry.NewFakeClock(time.Unix(1700000000, 0))
	s, name := newStatsServer(t, clock)
	defer s.Stop()
	a := newReporter(t, name, "live/a", clock)
	defer a.Close()
	b := newReporter(t, name, "live/b", clock)
	defer b.Close()
	a.Update(10, 2000, 500)

	reg := registry.NewRegistry(s)
	s.Sweep(reg, clock.Now())
	assert.Equal(t, 2, s.ConnectedUsers())

	stream, err := reg.GetStream("live/a")
	require.NoError(t, err)
	assert.Equal(t, 1, stream.Viewers)
	assert.Equal(t, uint64(2000), stream.BytesDown)

	require.NoError(t, reg.KickViewer("live/a", a.Slot()))
	assert.True(t, a.Deauthorized())
	assert.False(t, b.Deauthorized())
}

func TestKickChecksSession(t *testing.T) {
	clock := retry.NewFakeClock(time.Unix(0, 0))
	s, name := newStatsServer(t, clock)
	defer s.Stop()
	r := newReporter(t, name, "vod", clock)
	defer r.Close()

	assert.False(t, s.Kick(r.Slot(), uuid.New()))
	assert.False(t, s.Kick(r.Slot()+100, r.Session()))
	assert.False(t, r.Deauthorized())
	assert.True(t, s.Kick(r.Slot(), r.Session()))
	assert.True(t, r.Deauthorized())

	slot, session := r.Slot(), r.Session()
	require.NoError(t, r.Close())
	s.Sweep(nil, clock.Now())
	assert.False(t, s.Kick(slot, session), "the slot was reaped")
}

func TestViewerLeavingIsDropped(t *testing.T) {
	clock := retry.NewFakeClock(time.Unix(0, 0))
	s, name := newStatsServer(t, clock)
	defer s.Stop()
	r := newReporter(t, name, "vod", clock)

	var got []stats.Viewer
	sink := sinkFunc(func(viewers []stats.Viewer, now time.Time) { got = viewers })
	s.Sweep(sink, clock.Now())
	assert.Len(t, got, 1)

	require.NoError(t, r.Close())
	s.Sweep(sink, clock.Now())
	assert.Empty(t, got)
}

func TestStopDeauthorizesViewers(t *testing.T) {
	clock := retry.NewFakeClock(time.Unix(0, 0))
	s, name := newStatsServer(t, clock)
	r := newReporter(t, name, "vod", clock)

	sawKick := false
	clock.OnSleep(func(time.Duration) {
		if !sawKick {
			sawKick = r.Deauthorized()
			r.Close()
		}
	})
	require.NoError(t, s.Stop())
	assert.True(t, sawKick)
	assert.Less(t, clock.Slept(), broker.FinishTimeout)
}

func TestStartSweepsUntilCanceled(t *testing.T) {
	t.Setenv(shm.DirEnv, t.TempDir())
	s, err := NewStatsServer(StatsServerConfig{Broker: "stats_" + uuid.NewString(), SweepInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	sweeps := make(chan struct{}, 1)
	done := make(chan error)
	go func() {
		done <- s.Start(ctx, sinkFunc(func([]stats.Viewer, time.Time) {
			select {
			case sweeps <- struct{}{}:
			default:
			}
		}))
	}()

	select {
	case <-sweeps:
	case <-time.After(5 * time.Second):
		t.Fatal("no sweep")
	}
	cancel()
	assert.NoError(t, <-done)
}

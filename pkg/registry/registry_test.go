package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kbats183/shmstream/pkg/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKicker struct {
	sessions map[int]uuid.UUID
	kicked   []int
}

func (k *fakeKicker) Kick(slot int, session uuid.UUID) bool {
	if k.sessions[slot] != session {
		return false
	}
	k.kicked = append(k.kicked, slot)
	return true
}

func viewer(slot int, name string, down uint64, at time.Time) stats.Viewer {
	return stats.Viewer{
		Slot:       slot,
		Session:    uuid.New(),
		Stream:     name,
		Down:       down,
		Up:         down / 2,
		LastUpdate: at,
	}
}

func TestUpdateGroupsViewersByStream(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(&fakeKicker{})
	r.Update([]stats.Viewer{
		viewer(0, "live/a", 100, now),
		viewer(1, "live/b", 50, now),
		viewer(2, "live/a", 300, now),
	}, now)

	streams, err := r.GetStreams()
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, "live/a", streams[0].Name)
	assert.Equal(t, 2, streams[0].Viewers)
	assert.Equal(t, uint64(400), streams[0].BytesDown)
	assert.Equal(t, uint64(200), streams[0].BytesUp)

	viewers, err := r.GetViewers("live/a")
	require.NoError(t, err)
	require.Len(t, viewers, 2)
	assert.Equal(t, 0, viewers[0].Slot)
	assert.Equal(t, 2, viewers[1].Slot)
	assert.Len(t, r.AllViewers(), 3)

	_, err = r.GetStream("live/c")
	assert.IsType(t, StreamNotFound{}, err)
}

func TestStreamDisappearsWithoutViewers(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(&fakeKicker{})
	r.Update([]stats.Viewer{viewer(0, "live/a", 0, now)}, now)
	r.Update(nil, now.Add(time.Second))

	_, err := r.GetStatus("live/a")
	assert.IsType(t, StreamNotFound{}, err)
}

func TestStatusBitrateAndLiveness(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(&fakeKicker{})
	v := viewer(0, "live/a", 1000, now)
	r.Update([]stats.Viewer{v}, now)

	status, err := r.GetStatus("live/a")
	require.NoError(t, err)
	assert.True(t, status.IsLive)
	assert.Zero(t, status.Bitrate)

	v.Down = 3000
	r.Update([]stats.Viewer{v}, now.Add(2*time.Second))
	status, err = r.GetStatus("live/a")
	require.NoError(t, err)
	assert.Equal(t, uint(8000), status.Bitrate)
	assert.True(t, status.IsLive)
	assert.Equal(t, now.Unix(), status.LastFrameTime)

	r.Update([]stats.Viewer{v}, now.Add(5*time.Second))
	status, err = r.GetStatus("live/a")
	require.NoError(t, err)
	assert.False(t, status.IsLive, "no update for five seconds")
}

func TestKickViewer(t *testing.T) {
	now := time.Unix(1000, 0)
	a, b := viewer(0, "live/a", 0, now), viewer(1, "live/a", 0, now)
	kicker := &fakeKicker{sessions: map[int]uuid.UUID{0: a.Session, 1: b.Session}}
	r := NewRegistry(kicker)
	r.Update([]stats.Viewer{a, b}, now)

	require.NoError(t, r.KickViewer("live/a", 1))
	assert.Equal(t, []int{1}, kicker.kicked)
	viewers, err := r.GetViewers("live/a")
	require.NoError(t, err)
	assert.False(t, viewers[0].Deauthorized)
	assert.True(t, viewers[1].Deauthorized)

	assert.IsType(t, ViewerNotFound{}, r.KickViewer("live/a", 7))
	assert.IsType(t, StreamNotFound{}, r.KickViewer("live/b", 0))

	// slot taken over by another session since the sweep
	kicker.sessions[0] = uuid.New()
	assert.IsType(t, ViewerNotFound{}, r.KickViewer("live/a", 0))
}

func TestKickStream(t *testing.T) {
	now := time.Unix(1000, 0)
	a, b := viewer(3, "live/a", 0, now), viewer(5, "live/a", 0, now)
	kicker := &fakeKicker{sessions: map[int]uuid.UUID{3: a.Session, 5: b.Session}}
	r := NewRegistry(kicker)
	r.Update([]stats.Viewer{a, b, viewer(6, "live/b", 0, now)}, now)

	kicked, err := r.KickStream("live/a")
	require.NoError(t, err)
	assert.Equal(t, 2, kicked)
	assert.ElementsMatch(t, []int{3, 5}, kicker.kicked)

	_, err = r.KickStream("live/c")
	assert.IsType(t, StreamNotFound{}, err)
}

func TestSubscribe(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(&fakeKicker{})
	ch, unsubscribe := r.Subscribe()

	r.Update([]stats.Viewer{viewer(0, "live/a", 0, now)}, now)
	// the channel holds one snapshot; a second sweep is dropped
	r.Update([]stats.Viewer{viewer(0, "live/a", 0, now), viewer(1, "live/a", 0, now)}, now)
	snapshot := <-ch
	assert.Len(t, snapshot, 1)

	unsubscribe()
	unsubscribe()
	r.Update(nil, now)
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a snapshot")
	default:
	}
}

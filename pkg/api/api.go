package api

import (
	"github.com/kbats183/shmstream/pkg/stats"
)

type Stream struct {
	Name      string `json:"name"`
	Viewers   int    `json:"viewers"`
	BytesUp   uint64 `json:"bytes_up"`
	BytesDown uint64 `json:"bytes_down"`
}

type StreamStatus struct {
	IsLive        bool  `json:"is_live"`
	Viewers       int   `json:"viewers"`
	Bitrate       uint  `json:"bitrate"`
	LastFrameTime int64 `json:"last_frame_time"`
}

type Viewer struct {
	Slot         int    `json:"slot"`
	Session      string `json:"session"`
	Stream       string `json:"stream"`
	Connector    string `json:"connector"`
	Pid          uint32 `json:"pid"`
	BytesUp      uint64 `json:"bytes_up"`
	BytesDown    uint64 `json:"bytes_down"`
	PositionMs   uint64 `json:"position_ms"`
	NextKey      uint32 `json:"next_key"`
	Duration     int64  `json:"duration"`
	LastUpdate   int64  `json:"last_update"`
	Deauthorized bool   `json:"deauthorized"`
}

func ViewerFromStats(v *stats.Viewer) *Viewer {
	return &Viewer{
		Slot:         v.Slot,
		Session:      v.Session.String(),
		Stream:       v.Stream,
		Connector:    v.Connector,
		Pid:          v.Pid,
		BytesUp:      v.Up,
		BytesDown:    v.Down,
		PositionMs:   v.PositionMs,
		NextKey:      v.NextKey,
		Duration:     int64(v.Duration.Seconds()),
		LastUpdate:   v.LastUpdate.Unix(),
		Deauthorized: v.Deauthorized,
	}
}

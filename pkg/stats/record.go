// Package stats defines the per-viewer statistics record carried in the
// slots of the global statistics broker.
package stats

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// DefaultBroker is the name of the global statistics broker.
const DefaultBroker = "shmstream_stats"

// Record layout, little endian.
const (
	offSync       = 0
	offLastUpdate = 1
	offDuration   = 9
	offUp         = 13
	offDown       = 21
	offPosition   = 29
	offNextKey    = 37
	offSession    = 41
	offStream     = 57
	offConnector  = 157
	offPid        = 177

	StreamLen    = 100
	ConnectorLen = 20
	RecordLen    = 181

	// SyncDeauthorized is set in the sync byte by an administrator (or by
	// a broker shutting down) to make the viewer disconnect.
	SyncDeauthorized = 0x80
)

// Record is a view of one statistics slot payload. It aliases shared memory;
// a Record shorter than RecordLen reads as zero and ignores writes.
type Record []byte

func (r Record) valid() bool {
	return len(r) >= RecordLen
}

func (r Record) u32(off int) uint32 {
	if !r.valid() {
		return 0
	}
	return binary.LittleEndian.Uint32(r[off:])
}

func (r Record) u64(off int) uint64 {
	if !r.valid() {
		return 0
	}
	return binary.LittleEndian.Uint64(r[off:])
}

func (r Record) putU32(off int, v uint32) {
	if r.valid() {
		binary.LittleEndian.PutUint32(r[off:], v)
	}
}

func (r Record) putU64(off int, v uint64) {
	if r.valid() {
		binary.LittleEndian.PutUint64(r[off:], v)
	}
}

func (r Record) str(off, n int) string {
	if !r.valid() {
		return ""
	}
	field := r[off : off+n]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

func (r Record) putStr(off, n int, s string) {
	if !r.valid() {
		return
	}
	field := r[off : off+n]
	clear(field)
	copy(field, s)
}

func (r Record) Deauthorized() bool {
	return r.valid() && r[offSync]&SyncDeauthorized != 0
}

// Deauthorize asks the viewer owning this record to disconnect.
func (r Record) Deauthorize() {
	if r.valid() {
		r[offSync] |= SyncDeauthorized
	}
}

func (r Record) LastUpdate() time.Time {
	return time.Unix(int64(r.u64(offLastUpdate)), 0)
}

func (r Record) SetLastUpdate(t time.Time) {
	r.putU64(offLastUpdate, uint64(t.Unix()))
}

func (r Record) Duration() time.Duration {
	return time.Duration(r.u32(offDuration)) * time.Second
}

func (r Record) SetDuration(d time.Duration) {
	r.putU32(offDuration, uint32(d/time.Second))
}

func (r Record) Up() uint64 {
	return r.u64(offUp)
}

func (r Record) SetUp(v uint64) {
	r.putU64(offUp, v)
}

func (r Record) Down() uint64 {
	return r.u64(offDown)
}

func (r Record) SetDown(v uint64) {
	r.putU64(offDown, v)
}

// Position is the playback position in milliseconds.
func (r Record) Position() uint64 {
	return r.u64(offPosition)
}

func (r Record) SetPosition(ms uint64) {
	r.putU64(offPosition, ms)
}

// NextKey is the key number the viewer is blocked on, if any.
func (r Record) NextKey() uint32 {
	return r.u32(offNextKey)
}

func (r Record) SetNextKey(key uint32) {
	r.putU32(offNextKey, key)
}

func (r Record) Session() uuid.UUID {
	var id uuid.UUID
	if r.valid() {
		copy(id[:], r[offSession:offSession+16])
	}
	return id
}

func (r Record) SetSession(id uuid.UUID) {
	if r.valid() {
		copy(r[offSession:offSession+16], id[:])
	}
}

func (r Record) Stream() string {
	return r.str(offStream, StreamLen)
}

// SetStream stores the stream name, truncated to StreamLen bytes.
func (r Record) SetStream(name string) {
	r.putStr(offStream, StreamLen, name)
}

func (r Record) Connector() string {
	return r.str(offConnector, ConnectorLen)
}

func (r Record) SetConnector(name string) {
	r.putStr(offConnector, ConnectorLen, name)
}

// Pid is the owner pid the broker maintains in the last payload bytes.
func (r Record) Pid() uint32 {
	return r.u32(offPid)
}

// Viewer is a point-in-time copy of a record.
type Viewer struct {
	Slot         int
	Session      uuid.UUID
	Stream       string
	Connector    string
	Pid          uint32
	Up           uint64
	Down         uint64
	PositionMs   uint64
	NextKey      uint32
	Duration     time.Duration
	LastUpdate   time.Time
	Deauthorized bool
}

// Snapshot copies the record out of shared memory.
func (r Record) Snapshot(slot int) Viewer {
	return Viewer{
		Slot:         slot,
		Session:      r.Session(),
		Stream:       r.Stream(),
		Connector:    r.Connector(),
		Pid:          r.Pid(),
		Up:           r.Up(),
		Down:         r.Down(),
		PositionMs:   r.Position(),
		NextKey:      r.NextKey(),
		Duration:     r.Duration(),
		LastUpdate:   r.LastUpdate(),
		Deauthorized: r.Deauthorized(),
	}
}

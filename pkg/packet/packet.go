// Package packet implements the self-describing packet format stored back to
// back in track data pages.
//
//	"DTP2" | u32 bodyLen | u32 track | u64 timeMs | u8 flags | payload
//
// All integers are big endian and bodyLen counts everything after itself.
// Four zero bytes where the next packet would start mark the end of the
// valid data; the writer moves that sentinel forward only after a packet is
// completely written.
package packet

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	HeaderLen   = 8
	fixedBody   = 13
	SentinelLen = 4

	FlagKey = 0x01
)

var magic = []byte("DTP2")

var (
	ErrShort    = errors.New("packet: truncated")
	ErrMagic    = errors.New("packet: bad magic")
	ErrSentinel = errors.New("packet: end of data")
)

// Packet is one decoded packet. Payload aliases the source buffer.
type Packet struct {
	Track   uint32
	TimeMs  uint64
	Key     bool
	Payload []byte
}

// Size is the encoded length of a packet with the given payload length.
func Size(payloadLen int) int {
	return HeaderLen + fixedBody + payloadLen
}

// Len is the encoded length of p.
func (p Packet) Len() int {
	return Size(len(p.Payload))
}

// Encode writes p into dst, which must hold p.Len() bytes, and returns the
// number of bytes written.
func Encode(dst []byte, p Packet) (int, error) {
	n := p.Len()
	if len(dst) < n {
		return 0, ErrShort
	}
	copy(dst, magic)
	binary.BigEndian.PutUint32(dst[4:], uint32(fixedBody+len(p.Payload)))
	binary.BigEndian.PutUint32(dst[8:], p.Track)
	binary.BigEndian.PutUint64(dst[12:], p.TimeMs)
	var flags byte
	if p.Key {
		flags |= FlagKey
	}
	dst[20] = flags
	copy(dst[21:], p.Payload)
	return n, nil
}

// Publish encodes p into dst like Encode, except that the first byte is
// stored last. Until then the slot still reads as end of data, so a reader
// scanning the same memory never decodes a partially written packet.
func Publish(dst []byte, p Packet) (int, error) {
	n := p.Len()
	if len(dst) < n {
		return 0, ErrShort
	}
	buf := make([]byte, n)
	Encode(buf, p)
	copy(dst[1:n], buf[1:])
	dst[0] = buf[0]
	return n, nil
}

// Append encodes p at the end of dst.
func Append(dst []byte, p Packet) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, p.Len())...)
	Encode(dst[start:], p)
	return dst
}

// IsSentinel reports whether buf starts with the end-of-data marker. A
// buffer too short to hold a packet header, or a packet whose first byte is
// not published yet, is treated the same way.
func IsSentinel(buf []byte) bool {
	if len(buf) < SentinelLen {
		return true
	}
	return buf[0] == 0
}

// Peek returns the encoded length and the time of the packet at the start
// of buf without decoding the payload.
func Peek(buf []byte) (length int, timeMs uint64, err error) {
	if IsSentinel(buf) {
		return 0, 0, ErrSentinel
	}
	if len(buf) < HeaderLen+fixedBody {
		return 0, 0, ErrShort
	}
	if !bytes.Equal(buf[:4], magic) {
		return 0, 0, ErrMagic
	}
	body := binary.BigEndian.Uint32(buf[4:])
	if body < fixedBody || uint64(body) > uint64(len(buf)-HeaderLen) {
		return 0, 0, ErrShort
	}
	return HeaderLen + int(body), binary.BigEndian.Uint64(buf[12:]), nil
}

// Decode reads the packet at the start of buf.
func Decode(buf []byte) (Packet, int, error) {
	n, timeMs, err := Peek(buf)
	if err != nil {
		return Packet{}, 0, err
	}
	return Packet{
		Track:   binary.BigEndian.Uint32(buf[8:]),
		TimeMs:  timeMs,
		Key:     buf[20]&FlagKey != 0,
		Payload: buf[HeaderLen+fixedBody : n : n],
	}, n, nil
}

package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	buf := make([]byte, Size(3))
	n, err := Encode(buf, Packet{Track: 2, TimeMs: 0x0102, Key: true, Payload: []byte{7, 8, 9}})
	require.NoError(t, err)
	assert.Equal(t, 24, n)
	assert.Equal(t, []byte{
		'D', 'T', 'P', '2',
		0, 0, 0, 16,
		0, 0, 0, 2,
		0, 0, 0, 0, 0, 0, 1, 2,
		FlagKey,
		7, 8, 9,
	}, buf)
}

func TestDecodeSequence(t *testing.T) {
	var buf []byte
	buf = Append(buf, Packet{Track: 1, TimeMs: 0, Key: true, Payload: []byte("key")})
	buf = Append(buf, Packet{Track: 1, TimeMs: 40, Payload: []byte("delta")})
	buf = append(buf, 0, 0, 0, 0)

	p, n, err := Decode(buf)
	require.NoError(t, err)
	assert.True(t, p.Key)
	assert.Equal(t, []byte("key"), p.Payload)

	length, timeMs, err := Peek(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, uint64(40), timeMs)
	assert.Equal(t, Size(5), length)

	p, m, err := Decode(buf[n:])
	require.NoError(t, err)
	assert.False(t, p.Key)
	assert.Equal(t, "delta", string(p.Payload))

	assert.True(t, IsSentinel(buf[n+m:]))
	_, _, err = Decode(buf[n+m:])
	assert.ErrorIs(t, err, ErrSentinel)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Peek([]byte("XXXX\x00\x00\x00\x0dabcdefghijklm"))
	assert.ErrorIs(t, err, ErrMagic)

	buf := Append(nil, Packet{Track: 1, Payload: []byte("payload")})
	_, _, err = Peek(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrShort)

	_, err = Encode(make([]byte, 4), Packet{})
	assert.ErrorIs(t, err, ErrShort)
}

func TestUnpublishedPacketReadsAsEnd(t *testing.T) {
	p := Packet{Track: 3, TimeMs: 9, Payload: []byte("abc")}
	encoded := Append(nil, p)

	page := make([]byte, 64)
	copy(page[1:], encoded[1:])
	assert.True(t, IsSentinel(page))

	n, err := Publish(page, p)
	require.NoError(t, err)
	assert.Equal(t, encoded, page[:n])
	assert.False(t, IsSentinel(page))
	assert.True(t, IsSentinel(page[n:]))
}

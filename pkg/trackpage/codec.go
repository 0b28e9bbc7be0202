package trackpage

import (
	"strings"

	"github.com/yapingcat/gomedia/go-codec"
)

const (
	TypeVideo = "video"
	TypeAudio = "audio"
)

var codecNames = map[codec.CodecID]string{
	codec.CODECID_VIDEO_H264:  "H264",
	codec.CODECID_VIDEO_H265:  "HEVC",
	codec.CODECID_AUDIO_AAC:   "AAC",
	codec.CODECID_AUDIO_OPUS:  "opus",
	codec.CODECID_AUDIO_MP3:   "MP3",
	codec.CODECID_AUDIO_G711A: "ALAW",
	codec.CODECID_AUDIO_G711U: "ULAW",
}

// CodecName returns the name used for cid in capability lists.
func CodecName(cid codec.CodecID) string {
	if name, ok := codecNames[cid]; ok {
		return name
	}
	return "unknown"
}

// ParseCodec is the inverse of CodecName; it ignores case.
func ParseCodec(name string) (codec.CodecID, bool) {
	for cid, n := range codecNames {
		if strings.EqualFold(n, name) {
			return cid, true
		}
	}
	return 0, false
}

// TrackType classifies a codec as video or audio.
func TrackType(cid codec.CodecID) string {
	switch cid {
	case codec.CODECID_VIDEO_H264, codec.CODECID_VIDEO_H265:
		return TypeVideo
	}
	return TypeAudio
}

// IsKeyFrame reports whether payload starts a new key range. Audio frames
// are always independently decodable.
func IsKeyFrame(cid codec.CodecID, payload []byte) bool {
	switch cid {
	case codec.CODECID_VIDEO_H264:
		return codec.IsH264IDRFrame(payload)
	case codec.CODECID_VIDEO_H265:
		return codec.IsH265IDRFrame(payload)
	}
	return true
}

package call

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource is the local capture the session exclusively owns for its
// lifetime: acquired when entering Outgoing or Negotiating, released on
// Ended, never shared between two sessions.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// TrackSource is the default MediaSource: one VP8 video track and one Opus
// audio track. The hosting application pumps captured, encoded samples into
// them via WriteVideo/WriteAudio; device capture itself is platform code
// outside this library.
type TrackSource struct {
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample
}

// NewTrackSource creates the local track pair. The context mirrors the
// acquisition suspension point of device-backed sources.
func NewTrackSource(_ context.Context) (*TrackSource, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "collab")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "collab")
	if err != nil {
		return nil, err
	}
	return &TrackSource{video: video, audio: audio}, nil
}

func (t *TrackSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{t.video, t.audio}
}

// WriteVideo feeds one encoded VP8 sample to the outbound video track.
func (t *TrackSource) WriteVideo(sample media.Sample) error {
	return t.video.WriteSample(sample)
}

// WriteAudio feeds one encoded Opus sample to the outbound audio track.
func (t *TrackSource) WriteAudio(sample media.Sample) error {
	return t.audio.WriteSample(sample)
}

func (t *TrackSource) Close() error { return nil }

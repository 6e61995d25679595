package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrMediaUnavailable is returned when local capture cannot be opened.
var ErrMediaUnavailable = errors.New("call: local media unavailable")

// MediaSource opens the local capture tracks of a call.
type MediaSource interface {
	Open(ctx context.Context) ([]*MediaTrack, error)
}

// MediaTrack is one local track. A disabled track stays negotiated but drops
// every sample written to it; a stopped track is finished for good.
type MediaTrack struct {
	kind  webrtc.RTPCodecType
	local webrtc.TrackLocal

	enabled atomic.Bool
	stopped atomic.Bool
	stopFn  func()
	once    sync.Once
}

// NewMediaTrack wraps local. onStop, if non-nil, runs once when the track is
// stopped.
func NewMediaTrack(kind webrtc.RTPCodecType, local webrtc.TrackLocal, onStop func()) *MediaTrack {
	t := &MediaTrack{kind: kind, local: local, stopFn: onStop}
	t.enabled.Store(true)
	return t
}

// Kind returns audio or video.
func (t *MediaTrack) Kind() webrtc.RTPCodecType { return t.kind }

// Local returns the pion track to attach to a peer connection.
func (t *MediaTrack) Local() webrtc.TrackLocal { return t.local }

// Enabled reports whether samples are forwarded.
func (t *MediaTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled mutes or unmutes the track without renegotiation.
func (t *MediaTrack) SetEnabled(on bool) { t.enabled.Store(on) }

// Stopped reports whether Stop was called.
func (t *MediaTrack) Stopped() bool { return t.stopped.Load() }

// Stop ends the track. It is safe to call more than once.
func (t *MediaTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		if t.stopFn != nil {
			t.stopFn()
		}
	})
}

// WriteSample forwards s when the track is enabled. Samples on a disabled
// track are dropped; a stopped track returns io.ErrClosedPipe.
func (t *MediaTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	if !t.enabled.Load() {
		return nil
	}
	w, ok := t.local.(interface{ WriteSample(media.Sample) error })
	if !ok {
		return fmt.Errorf("call: %s track does not accept samples", t.kind)
	}
	return w.WriteSample(s)
}

// SampleSource produces VP8 video and Opus audio sample tracks that the
// application feeds with encoded frames.
type SampleSource struct {
	Video bool
	Audio bool
}

// DefaultSource returns a source with both audio and video.
func DefaultSource() *SampleSource {
	return &SampleSource{Video: true, Audio: true}
}

// Open implements MediaSource.
func (s *SampleSource) Open(ctx context.Context) ([]*MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Video && !s.Audio {
		return nil, ErrMediaUnavailable
	}

	streamID := "medilink-" + uuid.New().String()
	var tracks []*MediaTrack

	if s.Video {
		v, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: video: %v", ErrMediaUnavailable, err)
		}
		tracks = append(tracks, NewMediaTrack(webrtc.RTPCodecTypeVideo, v, nil))
	}
	if s.Audio {
		a, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: audio: %v", ErrMediaUnavailable, err)
		}
		tracks = append(tracks, NewMediaTrack(webrtc.RTPCodecTypeAudio, a, nil))
	}
	return tracks, nil
}

// opusSilence is a 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// FeedSilence writes Opus silence frames to an audio track every 20ms until
// ctx is done or the track is stopped.
func FeedSilence(ctx context.Context, t *MediaTrack) {
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: frame}); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					log.Printf("[call] feed silence: %v", err)
				}
				return
			}
		}
	}
}

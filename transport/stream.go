// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalStream is a stream this side sends: a stream ID and the local
// tracks that carry its media. Pass it to Coordinator.AddStream.
type LocalStream struct {
	id     string
	tracks []webrtc.TrackLocal
}

// NewLocalStream creates a LocalStream. id must be a 36-byte stream ID
// such as coordinator.NewStreamID returns.
func NewLocalStream(id string, tracks ...webrtc.TrackLocal) *LocalStream {
	return &LocalStream{id: id, tracks: tracks}
}

func (s *LocalStream) ID() string { return s.id }

// Tracks returns the stream's local tracks.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

// RemoteStream is a stream the peer sends. The coordinator delivers it
// in EventStreamAdded or EventStreamUpdated once its first track has
// arrived; later tracks are appended as they arrive.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) ID() string { return s.id }

// Tracks returns the remote tracks received so far. The application
// reads media from them with ReadRTP.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

func (s *RemoteStream) addTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, track)
}

// opusSilence is a single Opus frame encoding 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// opusFrameDuration is the duration of each frame WriteSilence writes.
const opusFrameDuration = 20 * time.Millisecond

// WriteSilence writes Opus silence frames to track at real-time pace
// until ctx is done. It gives a stream media to carry when the
// application has none yet, and keeps tests independent of capture
// devices. Writes while the track is not bound to a live PeerConnection
// are discarded, so one writer survives connection recovery.
func WriteSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return err
			}
		}
	}
}

// NewAudioTrack creates an Opus sample track with the given track and
// stream labels.
func NewAudioTrack(trackID, streamLabel string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		trackID,
		streamLabel,
	)
}

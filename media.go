package callkit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// MediaTrack is one independently toggleable, stoppable media track.
type MediaTrack interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error

	// Local returns the sendable form of the track for attachment to a
	// peer connection; nil for tracks with no sendable form (remote
	// tracks, test fakes).
	Local() webrtc.TrackLocal
}

// MediaStream groups the tracks of one capture or one remote peer.
type MediaStream struct {
	mu       sync.Mutex
	tracks   []MediaTrack
	released bool
}

func NewMediaStream(tracks ...MediaTrack) *MediaStream {
	return &MediaStream{tracks: tracks}
}

func (s *MediaStream) Tracks() []MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracks := make([]MediaTrack, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

func (s *MediaStream) AddTrack(track MediaTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracks = append(s.tracks, track)
}

func (s *MediaStream) trackOfKind(kind TrackKind) MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, track := range s.tracks {
		if track.Kind() == kind {
			return track
		}
	}
	return nil
}

// Release stops every track. Idempotent: releasing an already-released
// stream is a no-op.
func (s *MediaStream) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	tracks := s.tracks
	s.mu.Unlock()

	var merr error
	for _, track := range tracks {
		track.SetEnabled(false)
		if err := track.Stop(); err != nil {
			merr = multierr.Append(merr, err)
		}
	}
	return merr
}

func (s *MediaStream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.released
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor maps a call type to device constraints: audio calls
// capture audio only, video calls capture both.
func ConstraintsFor(callType CallType) MediaConstraints {
	return MediaConstraints{
		Audio: true,
		Video: callType == CallVideo,
	}
}

// MediaProvider acquires local device streams. The device-backed provider
// lives in media_devices.go; tests substitute fakes.
type MediaProvider interface {
	Acquire(ctx context.Context, constraints MediaConstraints) (*MediaStream, error)
}

// MediaSession owns the local media stream for one call session. At most
// one stream is held at a time; acquiring while one is held is a
// programming error, not a recoverable case.
type MediaSession struct {
	provider MediaProvider
	logger   *slog.Logger

	mu     sync.Mutex
	stream *MediaStream
}

func NewMediaSession(provider MediaProvider, logger *slog.Logger) *MediaSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaSession{
		provider: provider,
		logger:   logger.With("component", "media-session"),
	}
}

func (m *MediaSession) Acquire(ctx context.Context, callType CallType) (*MediaStream, error) {
	m.mu.Lock()
	if m.stream != nil && !m.stream.Released() {
		m.mu.Unlock()
		return nil, ErrStreamHeld
	}
	m.mu.Unlock()

	stream, err := m.provider.Acquire(ctx, ConstraintsFor(callType))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()

	m.logger.Debug("local media acquired", "call-type", callType, "tracks", len(stream.Tracks()))
	return stream, nil
}

// Release stops and drops the held stream. Safe to call when nothing is
// held or when the stream was already released.
func (m *MediaSession) Release() error {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Release()
}

func (m *MediaSession) LocalStream() *MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stream
}

// ToggleAudio flips the first audio track and returns the new muted state
// (true = muted). With no audio track held the state is unchanged and
// reported as muted.
func (m *MediaSession) ToggleAudio() bool {
	return m.toggle(TrackKindAudio)
}

// ToggleVideo flips the first video track and returns the new disabled
// state (true = disabled). On an audio-only call this is a no-op that
// reports the video as disabled.
func (m *MediaSession) ToggleVideo() bool {
	return m.toggle(TrackKindVideo)
}

func (m *MediaSession) toggle(kind TrackKind) bool {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()

	if stream == nil {
		return true
	}

	track := stream.trackOfKind(kind)
	if track == nil {
		return true
	}

	track.SetEnabled(!track.Enabled())
	muted := !track.Enabled()
	m.logger.Debug("track toggled", "kind", kind, "muted", muted)
	return muted
}

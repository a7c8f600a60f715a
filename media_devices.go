package callkit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const defaultVideoBitrate = 1_500_000

// EnginePopulator registers the codecs a media provider captures with, so
// the negotiated codecs match the encoded ones.
type EnginePopulator interface {
	PopulateEngine(engine *webrtc.MediaEngine)
}

// DeviceMediaProvider captures camera and microphone streams via
// pion/mediadevices, encoding video as VP8 and audio as Opus.
type DeviceMediaProvider struct {
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

func NewDeviceMediaProvider(logger *slog.Logger) (*DeviceMediaProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("error while creating VP8 encoder params: %w", err)
	}
	vpxParams.BitRate = defaultVideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("error while creating opus encoder params: %w", err)
	}

	return &DeviceMediaProvider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger.With("component", "media-devices"),
	}, nil
}

func (p *DeviceMediaProvider) PopulateEngine(engine *webrtc.MediaEngine) {
	p.selector.Populate(engine)
}

func (p *DeviceMediaProvider) Acquire(_ context.Context, constraints MediaConstraints) (*MediaStream, error) {
	mdConstraints := mediadevices.MediaStreamConstraints{Codec: p.selector}

	if constraints.Video {
		mdConstraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// raw formats only: MJPEG camera nodes can emit malformed
			// frames that poison the VP8 encoder
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if constraints.Audio {
		mdConstraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(mdConstraints)
	if err != nil {
		return nil, classifyDeviceError(err)
	}

	tracks := stream.GetTracks()
	wrapped := make([]MediaTrack, 0, len(tracks))
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				p.logger.Warn("local track ended", "error", err)
			}
		})
		wrapped = append(wrapped, newDeviceTrack(track))
	}

	p.logger.Info("local media captured", "tracks", len(wrapped))
	return NewMediaStream(wrapped...), nil
}

func classifyDeviceError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

type deviceTrack struct {
	track mediadevices.Track

	mu      sync.Mutex
	enabled bool
}

func newDeviceTrack(track mediadevices.Track) *deviceTrack {
	return &deviceTrack{track: track, enabled: true}
}

func (t *deviceTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.enabled
}

func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = enabled
}

func (t *deviceTrack) Stop() error {
	return t.track.Close()
}

func (t *deviceTrack) Local() webrtc.TrackLocal {
	return t.track
}

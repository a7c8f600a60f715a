package callkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// Connectivity is the semantic connectivity state reported to the call
// state machine, reduced from the platform peer-connection states.
type Connectivity string

const (
	ConnectivityConnected    Connectivity = "connected"
	ConnectivityDisconnected Connectivity = "disconnected"
	ConnectivityFailed       Connectivity = "failed"
	ConnectivityClosed       Connectivity = "closed"
)

// Connection is the single peer-connection abstraction owned by one call
// attempt. The pion-backed implementation is PeerConnection; tests
// substitute fakes.
type Connection interface {
	AttachLocal(stream *MediaStream) error
	CreateOffer(ctx context.Context) (SessionDescriptionPayload, error)
	HandleOffer(ctx context.Context, offer SessionDescriptionPayload) (SessionDescriptionPayload, error)
	HandleAnswer(ctx context.Context, answer SessionDescriptionPayload) error
	AddRemoteCandidate(candidate CandidatePayload) error
	OnLocalCandidate(handler func(CandidatePayload))
	OnRemoteTrack(handler func(MediaTrack))
	OnConnectivityChange(handler func(Connectivity))
	Close() error
}

type ConnectionFactory = func(ctx context.Context, callType CallType) (Connection, error)

// PionConnectionFactory builds real peer connections against the given ICE
// configuration. A non-nil populator registers the capture codecs on the
// media engine so negotiation offers what the devices actually encode.
func PionConnectionFactory(config webrtc.Configuration, populator EnginePopulator, logger *slog.Logger) ConnectionFactory {
	return func(ctx context.Context, _ CallType) (Connection, error) {
		return CreatePeerConnection(ctx, config, populator, logger)
	}
}

type PeerConnection struct {
	peerConnection *webrtc.PeerConnection
	logger         *slog.Logger

	mu                sync.Mutex
	remoteSet         bool
	pendingCandidates []CandidatePayload
	onLocalCandidate  func(CandidatePayload)
	onRemoteTrack     func(MediaTrack)
	onConnectivity    func(Connectivity)
	packetsReceived   uint64
	packetsLost       uint64

	once   sync.Once
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func CreatePeerConnection(ctx context.Context, config webrtc.Configuration, populator EnginePopulator, logger *slog.Logger) (*PeerConnection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if populator != nil {
		populator.PopulateEngine(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call
	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)

	peerConnection, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	ctx2, cancel2 := context.WithCancel(ctx)

	pc := &PeerConnection{
		peerConnection: peerConnection,
		logger:         logger.With("component", "peer-connection"),
		ctx:            ctx2,
		cancel:         cancel2,
	}

	return pc.onConnectionStateChangeEvent().onICECandidateEvent().onTrackEvent(), nil
}

func (pc *PeerConnection) onConnectionStateChangeEvent() *PeerConnection {
	pc.peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		pc.logger.Debug("peer connection state changed", "state", state.String())

		var connectivity Connectivity
		switch state {
		case webrtc.PeerConnectionStateConnected:
			connectivity = ConnectivityConnected
		case webrtc.PeerConnectionStateDisconnected:
			connectivity = ConnectivityDisconnected
		case webrtc.PeerConnectionStateFailed:
			connectivity = ConnectivityFailed
		case webrtc.PeerConnectionStateClosed:
			connectivity = ConnectivityClosed
		default:
			return
		}

		pc.mu.Lock()
		handler := pc.onConnectivity
		pc.mu.Unlock()

		if handler != nil {
			handler(connectivity)
		}
	})
	return pc
}

func (pc *PeerConnection) onICECandidateEvent() *PeerConnection {
	pc.peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			pc.logger.Debug("ICE gathering complete")
			return
		}

		pc.mu.Lock()
		handler := pc.onLocalCandidate
		pc.mu.Unlock()

		// candidates are emitted as they are discovered, no batching
		if handler != nil {
			handler(CandidateFromWebRTC(candidate.ToJSON()))
		}
	})
	return pc
}

func (pc *PeerConnection) onTrackEvent() *PeerConnection {
	pc.peerConnection.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		pc.logger.Debug("remote track received", "kind", track.Kind().String(), "codec", track.Codec().MimeType)

		remote := newRemoteTrack(track)

		pc.wg.Add(1)
		go pc.drain(track)

		pc.mu.Lock()
		handler := pc.onRemoteTrack
		pc.mu.Unlock()

		if handler != nil {
			handler(remote)
		}
	})
	return pc
}

// drain keeps the remote track flowing and accounts packets for the
// quality monitor. Loss is estimated from sequence-number gaps.
func (pc *PeerConnection) drain(track *webrtc.TrackRemote) {
	defer pc.wg.Done()

	var sequence sequenceTracker

	for {
		select {
		case <-pc.ctx.Done():
			return
		default:
		}

		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}

		lost := sequence.observe(packet)

		pc.mu.Lock()
		pc.packetsReceived++
		pc.packetsLost += lost
		pc.mu.Unlock()
	}
}

// sequenceTracker estimates loss from per-track RTP sequence-number gaps.
// Gaps wider than half the sequence space are treated as reordering and
// not counted.
type sequenceTracker struct {
	last uint16
	have bool
}

func (s *sequenceTracker) observe(packet *rtp.Packet) (lost uint64) {
	if s.have {
		if gap := packet.SequenceNumber - s.last - 1; gap > 0 && gap < 1<<15 {
			lost = uint64(gap)
		}
	}
	s.last = packet.SequenceNumber
	s.have = true
	return lost
}

func (pc *PeerConnection) AttachLocal(stream *MediaStream) error {
	if stream == nil {
		return nil
	}

	for _, track := range stream.Tracks() {
		local := track.Local()
		if local == nil {
			continue
		}
		if _, err := pc.peerConnection.AddTrack(local); err != nil {
			return fmt.Errorf("error while adding local track: %w", err)
		}
	}
	return nil
}

func (pc *PeerConnection) CreateOffer(_ context.Context) (SessionDescriptionPayload, error) {
	offer, err := pc.peerConnection.CreateOffer(nil)
	if err != nil {
		return SessionDescriptionPayload{}, fmt.Errorf("error while creating offer: %w", err)
	}

	if err := pc.peerConnection.SetLocalDescription(offer); err != nil {
		return SessionDescriptionPayload{}, fmt.Errorf("error while setting local sdp: %w", err)
	}

	return DescriptionFromWebRTC(offer), nil
}

func (pc *PeerConnection) HandleOffer(_ context.Context, offer SessionDescriptionPayload) (SessionDescriptionPayload, error) {
	if err := pc.applyRemoteDescription(offer); err != nil {
		return SessionDescriptionPayload{}, err
	}

	answer, err := pc.peerConnection.CreateAnswer(nil)
	if err != nil {
		return SessionDescriptionPayload{}, fmt.Errorf("error while creating answer: %w", err)
	}

	if err := pc.peerConnection.SetLocalDescription(answer); err != nil {
		return SessionDescriptionPayload{}, fmt.Errorf("error while setting local sdp: %w", err)
	}

	return DescriptionFromWebRTC(answer), nil
}

func (pc *PeerConnection) HandleAnswer(_ context.Context, answer SessionDescriptionPayload) error {
	return pc.applyRemoteDescription(answer)
}

func (pc *PeerConnection) applyRemoteDescription(payload SessionDescriptionPayload) error {
	if err := validateSDP(payload.SDP); err != nil {
		return err
	}

	description, err := payload.ToWebRTC()
	if err != nil {
		return err
	}

	if err := pc.peerConnection.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("error while setting remote description: %w", err)
	}

	return pc.flushPendingCandidates()
}

func validateSDP(raw string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("malformed session description: %w", err)
	}
	return nil
}

// AddRemoteCandidate applies one ICE candidate. Candidates arriving before
// a remote description is set are buffered and flushed in arrival order
// once one is applied.
func (pc *PeerConnection) AddRemoteCandidate(candidate CandidatePayload) error {
	pc.mu.Lock()
	if !pc.remoteSet {
		pc.pendingCandidates = append(pc.pendingCandidates, candidate)
		pc.mu.Unlock()
		return nil
	}
	pc.mu.Unlock()

	if err := pc.peerConnection.AddICECandidate(candidate.ToWebRTC()); err != nil {
		return fmt.Errorf("error while adding ICE candidate: %w", err)
	}
	return nil
}

func (pc *PeerConnection) flushPendingCandidates() error {
	pc.mu.Lock()
	pc.remoteSet = true
	pending := pc.pendingCandidates
	pc.pendingCandidates = nil
	pc.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.peerConnection.AddICECandidate(candidate.ToWebRTC()); err != nil {
			return fmt.Errorf("error while applying buffered ICE candidate: %w", err)
		}
	}
	return nil
}

func (pc *PeerConnection) pendingCandidateCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return len(pc.pendingCandidates)
}

func (pc *PeerConnection) OnLocalCandidate(handler func(CandidatePayload)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.onLocalCandidate = handler
}

func (pc *PeerConnection) OnRemoteTrack(handler func(MediaTrack)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.onRemoteTrack = handler
}

func (pc *PeerConnection) OnConnectivityChange(handler func(Connectivity)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.onConnectivity = handler
}

// StatsReport exposes the raw platform stats for the quality monitor.
func (pc *PeerConnection) StatsReport() webrtc.StatsReport {
	return pc.peerConnection.GetStats()
}

// PacketStats reports drain-loop packet accounting across remote tracks.
func (pc *PeerConnection) PacketStats() (received, lost uint64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return pc.packetsReceived, pc.packetsLost
}

func (pc *PeerConnection) Close() error {
	var merr error
	pc.once.Do(func() {
		if pc.cancel != nil {
			pc.cancel()
		}

		if err := pc.peerConnection.Close(); err != nil {
			merr = multierr.Append(merr, err)
		}

		pc.wg.Wait()
	})

	return merr
}

// remoteTrack adapts a received platform track to the MediaTrack surface.
// Stopping is a no-op: remote tracks end when the connection closes.
type remoteTrack struct {
	track *webrtc.TrackRemote

	mu      sync.Mutex
	enabled bool
}

func newRemoteTrack(track *webrtc.TrackRemote) *remoteTrack {
	return &remoteTrack{track: track, enabled: true}
}

func (t *remoteTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}

func (t *remoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.enabled
}

func (t *remoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = enabled
}

func (t *remoteTrack) Stop() error { return nil }

func (t *remoteTrack) Local() webrtc.TrackLocal { return nil }

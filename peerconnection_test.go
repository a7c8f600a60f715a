package callkit

import (
	"context"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCandidate = "candidate:3408794880 1 udp 2113937151 192.168.1.10 50000 typ host"

// staticTrack wraps a sample track so negotiation tests have a real media
// section to offer.
type staticTrack struct {
	track *webrtc.TrackLocalStaticSample
}

func newStaticAudioTrack(t *testing.T) *staticTrack {
	t.Helper()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "callkit-test")
	require.NoError(t, err)

	return &staticTrack{track: track}
}

func (t *staticTrack) Kind() TrackKind          { return TrackKindAudio }
func (t *staticTrack) Enabled() bool            { return true }
func (t *staticTrack) SetEnabled(bool)          {}
func (t *staticTrack) Stop() error              { return nil }
func (t *staticTrack) Local() webrtc.TrackLocal { return t.track }

func newTestPeerConnection(t *testing.T) *PeerConnection {
	t.Helper()

	pc, err := CreatePeerConnection(context.Background(), webrtc.Configuration{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	require.NoError(t, pc.AttachLocal(NewMediaStream(newStaticAudioTrack(t))))
	return pc
}

func TestPeerConnectionOfferAnswer(t *testing.T) {
	caller := newTestPeerConnection(t)
	callee := newTestPeerConnection(t)

	offer, err := caller.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.NotEmpty(t, offer.SDP)

	answer, err := callee.HandleOffer(context.Background(), offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	require.NoError(t, caller.HandleAnswer(context.Background(), answer))
}

func TestPeerConnectionBuffersEarlyCandidates(t *testing.T) {
	caller := newTestPeerConnection(t)
	callee := newTestPeerConnection(t)

	mid := "0"
	index := uint16(0)
	candidate := CandidatePayload{Candidate: testCandidate, SDPMid: &mid, SDPMLineIndex: &index}

	// before any remote description the candidate must be held, not applied
	require.NoError(t, callee.AddRemoteCandidate(candidate))
	assert.Equal(t, 1, callee.pendingCandidateCount())

	offer, err := caller.CreateOffer(context.Background())
	require.NoError(t, err)

	_, err = callee.HandleOffer(context.Background(), offer)
	require.NoError(t, err)
	assert.Equal(t, 0, callee.pendingCandidateCount())

	// once a remote description exists candidates apply directly
	require.NoError(t, callee.AddRemoteCandidate(candidate))
	assert.Equal(t, 0, callee.pendingCandidateCount())
}

func TestPeerConnectionRejectsMalformedSDP(t *testing.T) {
	pc := newTestPeerConnection(t)

	_, err := pc.HandleOffer(context.Background(), SessionDescriptionPayload{Type: "offer", SDP: "not a session description"})
	assert.Error(t, err)

	err = pc.HandleAnswer(context.Background(), SessionDescriptionPayload{Type: "bogus", SDP: "v=0\r\n"})
	assert.Error(t, err)
}

func TestPeerConnectionCloseIdempotent(t *testing.T) {
	pc, err := CreatePeerConnection(context.Background(), webrtc.Configuration{}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())
}

func TestSequenceTrackerLossAccounting(t *testing.T) {
	var tracker sequenceTracker

	packet := func(seq uint16) *rtp.Packet {
		return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
	}

	assert.Equal(t, uint64(0), tracker.observe(packet(100)))
	assert.Equal(t, uint64(0), tracker.observe(packet(101)))
	assert.Equal(t, uint64(3), tracker.observe(packet(105)))

	// reordered packet: the gap is huge in unsigned arithmetic and ignored
	assert.Equal(t, uint64(0), tracker.observe(packet(103)))

	// loss across the sequence wrap is still counted
	tracker = sequenceTracker{}
	tracker.observe(packet(65534))
	assert.Equal(t, uint64(2), tracker.observe(packet(1)))
}

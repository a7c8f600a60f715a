package callkit

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalConstructors(t *testing.T) {
	desc := SessionDescriptionPayload{Type: "offer", SDP: "v=0\r\n"}

	offer := NewOfferSignal("alice", "bob", CallVideo, desc)
	assert.NotEmpty(t, offer.ID)
	assert.Equal(t, SignalOffer, offer.Type)
	assert.Equal(t, "alice", offer.From)
	assert.Equal(t, "bob", offer.To)
	require.NotNil(t, offer.Description)
	assert.Equal(t, desc.SDP, offer.Description.SDP)
	assert.Nil(t, offer.Candidate)
	assert.NoError(t, offer.Validate())

	leave := NewLeaveSignal("alice", "bob", CallAudio)
	assert.Nil(t, leave.Description)
	assert.Nil(t, leave.Candidate)
	assert.NoError(t, leave.Validate())

	assert.NotEqual(t, offer.ID, leave.ID)
}

func TestSignalValidate(t *testing.T) {
	desc := &SessionDescriptionPayload{Type: "answer", SDP: "v=0\r\n"}
	candidate := &CandidatePayload{Candidate: "candidate:1 1 udp 1 127.0.0.1 50000 typ host"}

	cases := []struct {
		name    string
		signal  CallSignal
		wantErr bool
	}{
		{
			name:   "valid answer",
			signal: CallSignal{Type: SignalAnswer, From: "a", To: "b", CallType: CallAudio, Description: desc},
		},
		{
			name:   "valid candidate",
			signal: CallSignal{Type: SignalCandidate, From: "a", To: "b", CallType: CallVideo, Candidate: candidate},
		},
		{
			name:    "missing sender",
			signal:  CallSignal{Type: SignalLeave, To: "b", CallType: CallAudio},
			wantErr: true,
		},
		{
			name:    "missing recipient",
			signal:  CallSignal{Type: SignalLeave, From: "a", CallType: CallAudio},
			wantErr: true,
		},
		{
			name:    "unknown call type",
			signal:  CallSignal{Type: SignalLeave, From: "a", To: "b", CallType: "screen"},
			wantErr: true,
		},
		{
			name:    "offer without description",
			signal:  CallSignal{Type: SignalOffer, From: "a", To: "b", CallType: CallAudio},
			wantErr: true,
		},
		{
			name:    "offer carrying candidate",
			signal:  CallSignal{Type: SignalOffer, From: "a", To: "b", CallType: CallAudio, Description: desc, Candidate: candidate},
			wantErr: true,
		},
		{
			name:    "candidate without payload",
			signal:  CallSignal{Type: SignalCandidate, From: "a", To: "b", CallType: CallAudio},
			wantErr: true,
		},
		{
			name:    "leave with payload",
			signal:  CallSignal{Type: SignalLeave, From: "a", To: "b", CallType: CallAudio, Description: desc},
			wantErr: true,
		},
		{
			name:    "unknown signal type",
			signal:  CallSignal{Type: "renegotiate", From: "a", To: "b", CallType: CallAudio},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.signal.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSessionDescriptionConversion(t *testing.T) {
	original := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}

	payload := DescriptionFromWebRTC(original)
	assert.Equal(t, "offer", payload.Type)

	back, err := payload.ToWebRTC()
	require.NoError(t, err)
	assert.Equal(t, original, back)

	_, err = SessionDescriptionPayload{Type: "bogus", SDP: "v=0\r\n"}.ToWebRTC()
	assert.Error(t, err)
}

func TestCandidateConversion(t *testing.T) {
	mid := "0"
	index := uint16(0)
	init := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 1 127.0.0.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}

	payload := CandidateFromWebRTC(init)
	assert.Equal(t, init, payload.ToWebRTC())
}

package callkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalRecordRoundTrip(t *testing.T) {
	mid := "0"
	index := uint16(1)
	ufrag := "ufrag"

	cases := []struct {
		name   string
		signal CallSignal
	}{
		{
			name:   "offer",
			signal: NewOfferSignal("alice", "bob", CallVideo, SessionDescriptionPayload{Type: "offer", SDP: "v=0\r\n"}),
		},
		{
			name:   "answer",
			signal: NewAnswerSignal("bob", "alice", CallVideo, SessionDescriptionPayload{Type: "answer", SDP: "v=0\r\n"}),
		},
		{
			name: "candidate",
			signal: NewCandidateSignal("alice", "bob", CallAudio, CandidatePayload{
				Candidate:        "candidate:1 1 udp 1 127.0.0.1 50000 typ host",
				SDPMid:           &mid,
				SDPMLineIndex:    &index,
				UsernameFragment: &ufrag,
			}),
		},
		{
			name:   "leave",
			signal: NewLeaveSignal("alice", "bob", CallAudio),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record := encodeSignalRecord(tc.signal)

			decoded, err := record.signal("doc-1")
			require.NoError(t, err)

			assert.Equal(t, "doc-1", decoded.ID)
			assert.Equal(t, tc.signal.Type, decoded.Type)
			assert.Equal(t, tc.signal.From, decoded.From)
			assert.Equal(t, tc.signal.To, decoded.To)
			assert.Equal(t, tc.signal.CallType, decoded.CallType)
			assert.Equal(t, tc.signal.Description, decoded.Description)
			assert.Equal(t, tc.signal.Candidate, decoded.Candidate)
		})
	}
}

func TestSignalRecordRejectsInvalid(t *testing.T) {
	record := signalRecord{Type: "renegotiate", From: "alice", To: "bob", CallType: "video"}
	_, err := record.signal("doc-2")
	assert.Error(t, err)

	record = signalRecord{Type: "candidate", From: "", To: "bob", CallType: "audio"}
	_, err = record.signal("doc-3")
	assert.Error(t, err)
}

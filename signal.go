package callkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalLeave     SignalType = "leave"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// SessionDescriptionPayload carries the SDP half of an offer or answer
// signal in a transport-neutral form.
type SessionDescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromWebRTC(desc webrtc.SessionDescription) SessionDescriptionPayload {
	return SessionDescriptionPayload{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (p SessionDescriptionPayload) ToWebRTC() (webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(p.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown session description type %q", p.Type)
	}

	return webrtc.SessionDescription{Type: sdpType, SDP: p.SDP}, nil
}

// CandidatePayload mirrors webrtc.ICECandidateInit one field at a time so
// a signal record never depends on the pion wire types directly.
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"username_fragment,omitempty"`
}

func CandidateFromWebRTC(init webrtc.ICECandidateInit) CandidatePayload {
	return CandidatePayload{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (p CandidatePayload) ToWebRTC() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
}

// CallSignal is one directed call-control message. The payload is a tagged
// union: Description is set for offer/answer, Candidate for candidate,
// neither for leave.
type CallSignal struct {
	ID          string
	Type        SignalType
	From        string
	To          string
	CallType    CallType
	Description *SessionDescriptionPayload
	Candidate   *CandidatePayload
	CreatedAt   time.Time
}

func NewOfferSignal(from, to string, callType CallType, desc SessionDescriptionPayload) CallSignal {
	return newSignal(SignalOffer, from, to, callType, &desc, nil)
}

func NewAnswerSignal(from, to string, callType CallType, desc SessionDescriptionPayload) CallSignal {
	return newSignal(SignalAnswer, from, to, callType, &desc, nil)
}

func NewCandidateSignal(from, to string, callType CallType, candidate CandidatePayload) CallSignal {
	return newSignal(SignalCandidate, from, to, callType, nil, &candidate)
}

func NewLeaveSignal(from, to string, callType CallType) CallSignal {
	return newSignal(SignalLeave, from, to, callType, nil, nil)
}

func newSignal(signalType SignalType, from, to string, callType CallType, desc *SessionDescriptionPayload, candidate *CandidatePayload) CallSignal {
	return CallSignal{
		ID:          uuid.NewString(),
		Type:        signalType,
		From:        from,
		To:          to,
		CallType:    callType,
		Description: desc,
		Candidate:   candidate,
		CreatedAt:   time.Now(),
	}
}

func (s CallSignal) Validate() error {
	if s.From == "" {
		return errors.New("signal has no sender")
	}
	if s.To == "" {
		return errors.New("signal has no recipient")
	}
	if s.CallType != CallAudio && s.CallType != CallVideo {
		return fmt.Errorf("unknown call type %q", s.CallType)
	}

	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.Description == nil {
			return fmt.Errorf("%s signal is missing a session description", s.Type)
		}
		if s.Candidate != nil {
			return fmt.Errorf("%s signal must not carry a candidate", s.Type)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return errors.New("candidate signal is missing a candidate")
		}
		if s.Description != nil {
			return errors.New("candidate signal must not carry a session description")
		}
	case SignalLeave:
		if s.Description != nil || s.Candidate != nil {
			return errors.New("leave signal must not carry a payload")
		}
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}

	return nil
}

type Unsubscribe = func()

// SignalChannel is the relay used to pass signals between participants who
// have no direct connection yet. Implementations provide best-effort
// delivery only: no ordering across senders and no exactly-once semantics.
type SignalChannel interface {
	// Send persists one new signal record, making it visible to any active
	// subscription matching the recipient. Store errors propagate to the
	// caller; no retries are attempted here.
	Send(ctx context.Context, signal CallSignal) error

	// SubscribeIncoming delivers newly added records addressed to selfID,
	// once each, in the order the store reports them. Consumed records are
	// removed from the store so the signaling log does not grow without
	// bound.
	SubscribeIncoming(ctx context.Context, selfID string, onSignal func(CallSignal)) (Unsubscribe, error)

	// PurgeOutgoing deletes every record sent by selfID. Called at call
	// teardown as the sender-side half of channel garbage collection.
	PurgeOutgoing(ctx context.Context, selfID string) error

	Close() error
}

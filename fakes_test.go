package callkit

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

type fakeTrack struct {
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newFakeTrack(kind TrackKind) *fakeTrack {
	return &fakeTrack{kind: kind, enabled: true}
}

func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = enabled
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	return nil
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stopped
}

func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

type fakeProvider struct {
	mu       sync.Mutex
	err      error
	acquired int
	streams  []*MediaStream
}

func (p *fakeProvider) Acquire(_ context.Context, constraints MediaConstraints) (*MediaStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}

	var tracks []MediaTrack
	if constraints.Audio {
		tracks = append(tracks, newFakeTrack(TrackKindAudio))
	}
	if constraints.Video {
		tracks = append(tracks, newFakeTrack(TrackKindVideo))
	}

	stream := NewMediaStream(tracks...)
	p.acquired++
	p.streams = append(p.streams, stream)
	return stream, nil
}

func (p *fakeProvider) lastStream() *MediaStream {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// fakeConn is a scriptable Connection: negotiation returns canned payloads
// and the test drives connectivity and remote tracks by hand.
type fakeConn struct {
	mu             sync.Mutex
	offerErr       error
	answerErr      error
	attached       *MediaStream
	remoteOffers   []SessionDescriptionPayload
	remoteAnswers  []SessionDescriptionPayload
	candidates     []CandidatePayload
	closed         bool
	onCandidate    func(CandidatePayload)
	onTrack        func(MediaTrack)
	onConnectivity func(Connectivity)
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) AttachLocal(stream *MediaStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attached = stream
	return nil
}

func (c *fakeConn) CreateOffer(context.Context) (SessionDescriptionPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offerErr != nil {
		return SessionDescriptionPayload{}, c.offerErr
	}
	return SessionDescriptionPayload{Type: "offer", SDP: "v=0\r\nfake-offer\r\n"}, nil
}

func (c *fakeConn) HandleOffer(_ context.Context, offer SessionDescriptionPayload) (SessionDescriptionPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.answerErr != nil {
		return SessionDescriptionPayload{}, c.answerErr
	}
	c.remoteOffers = append(c.remoteOffers, offer)
	return SessionDescriptionPayload{Type: "answer", SDP: "v=0\r\nfake-answer\r\n"}, nil
}

func (c *fakeConn) HandleAnswer(_ context.Context, answer SessionDescriptionPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.answerErr != nil {
		return c.answerErr
	}
	c.remoteAnswers = append(c.remoteAnswers, answer)
	return nil
}

func (c *fakeConn) AddRemoteCandidate(candidate CandidatePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) OnLocalCandidate(handler func(CandidatePayload)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onCandidate = handler
}

func (c *fakeConn) OnRemoteTrack(handler func(MediaTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onTrack = handler
}

func (c *fakeConn) OnConnectivityChange(handler func(Connectivity)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onConnectivity = handler
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *fakeConn) RemoteCandidates() []CandidatePayload {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CandidatePayload, len(c.candidates))
	copy(out, c.candidates)
	return out
}

func (c *fakeConn) emitConnectivity(connectivity Connectivity) {
	c.mu.Lock()
	handler := c.onConnectivity
	c.mu.Unlock()

	if handler != nil {
		handler(connectivity)
	}
}

func (c *fakeConn) emitRemoteTrack(track MediaTrack) {
	c.mu.Lock()
	handler := c.onTrack
	c.mu.Unlock()

	if handler != nil {
		handler(track)
	}
}

// fakeConnFactory hands out one fakeConn per call attempt.
type fakeConnFactory struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
}

func (f *fakeConnFactory) factory() ConnectionFactory {
	return func(context.Context, CallType) (Connection, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.err != nil {
			return nil, f.err
		}
		conn := newFakeConn()
		f.conns = append(f.conns, conn)
		return conn, nil
	}
}

func (f *fakeConnFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// recordingChannel wraps another SignalChannel and records everything sent
// through it.
type recordingChannel struct {
	inner SignalChannel

	mu      sync.Mutex
	sent    []CallSignal
	sendErr error
	purged  []string
}

func newRecordingChannel(inner SignalChannel) *recordingChannel {
	if inner == nil {
		inner = NewMemorySignalChannel()
	}
	return &recordingChannel{inner: inner}
}

func (c *recordingChannel) Send(ctx context.Context, signal CallSignal) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, signal)
	c.mu.Unlock()

	return c.inner.Send(ctx, signal)
}

func (c *recordingChannel) SubscribeIncoming(ctx context.Context, selfID string, onSignal func(CallSignal)) (Unsubscribe, error) {
	return c.inner.SubscribeIncoming(ctx, selfID, onSignal)
}

func (c *recordingChannel) PurgeOutgoing(ctx context.Context, selfID string) error {
	c.mu.Lock()
	c.purged = append(c.purged, selfID)
	c.mu.Unlock()

	return c.inner.PurgeOutgoing(ctx, selfID)
}

func (c *recordingChannel) Close() error { return c.inner.Close() }

func (c *recordingChannel) sentOfType(signalType SignalType) []CallSignal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []CallSignal
	for _, signal := range c.sent {
		if signal.Type == signalType {
			out = append(out, signal)
		}
	}
	return out
}

func (c *recordingChannel) purgeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.purged)
}

func (c *recordingChannel) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sendErr = err
}

var errDeviceBusy = errors.New("device busy")

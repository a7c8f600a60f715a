package callkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// Status is the lifecycle state of the current (or most recent) call
// attempt. Transitions only move forward within an attempt: idle ->
// connecting/ringing -> active -> ended/failed. A terminal status is left
// only by starting or receiving a new call.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// InFlight reports whether the status belongs to a live call attempt.
func (s Status) InFlight() bool {
	return s == StatusConnecting || s == StatusRinging || s == StatusActive
}

// Terminal reports whether the attempt has finished.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// CallHistoryEntry records one finished call attempt.
type CallHistoryEntry struct {
	Time   time.Time
	Peer   string
	Type   CallType
	Status Status
}

// IncomingCall is handed to OnIncoming observers while the session rings.
// Exactly one of Accept or Decline settles it; both return ErrNoActiveCall
// once the attempt is over (declined elsewhere, timed out, caller hung up).
type IncomingCall struct {
	Peer string
	Type CallType

	session *Session
	attempt uint64
}

func (c IncomingCall) Accept(ctx context.Context) error {
	if c.session == nil || !c.session.attemptCurrent(c.attempt) {
		return ErrNoActiveCall
	}
	return c.session.AnswerCall(ctx)
}

func (c IncomingCall) Decline(ctx context.Context) error {
	if c.session == nil || !c.session.attemptCurrent(c.attempt) {
		return ErrNoActiveCall
	}
	return c.session.DeclineCall(ctx)
}

const (
	DefaultRingTimeout   = 45 * time.Second
	DefaultStatsInterval = 3 * time.Second
)

// Session is one participant's call endpoint: it owns the media session,
// at most one peer connection, and the signal subscription, and drives the
// call state machine. A Session serves one call attempt at a time; history
// accumulates across attempts.
type Session struct {
	selfID  string
	channel SignalChannel
	media   *MediaSession
	connect ConnectionFactory
	logger  *slog.Logger

	ringTimeout   time.Duration
	statsInterval time.Duration
	rtcConfig     *webrtc.Configuration

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	status          Status
	callType        CallType
	peerID          string
	conn            Connection
	remoteStream    *MediaStream
	pendingOffer    *CallSignal
	earlyCandidates []CandidatePayload
	monitor         *QualityMonitor
	deadline        *time.Timer
	lastErr         error
	history         []CallHistoryEntry
	attempt         uint64
	torn            bool
	tearing         bool

	obsMu          sync.Mutex
	onStatus       []func(Status)
	onIncoming     []func(IncomingCall)
	onRemoteStream []func(*MediaStream)

	unsubscribe Unsubscribe
	closeOnce   sync.Once
}

func NewSession(ctx context.Context, selfID string, channel SignalChannel, provider MediaProvider, options ...SessionOption) (*Session, error) {
	if selfID == "" {
		return nil, errors.New("session requires a participant id")
	}
	if channel == nil {
		return nil, errors.New("session requires a signal channel")
	}
	if provider == nil {
		return nil, errors.New("session requires a media provider")
	}

	ctx2, cancel2 := context.WithCancel(ctx)

	s := &Session{
		selfID:        selfID,
		channel:       channel,
		logger:        slog.Default(),
		ringTimeout:   DefaultRingTimeout,
		statsInterval: DefaultStatsInterval,
		status:        StatusIdle,
		ctx:           ctx2,
		cancel:        cancel2,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			cancel2()
			return nil, err
		}
	}

	s.logger = s.logger.With("component", "call-session", "self", selfID)
	s.media = NewMediaSession(provider, s.logger)

	if s.connect == nil {
		config := DefaultRTCConfiguration()
		if s.rtcConfig != nil {
			config = *s.rtcConfig
		}
		populator, _ := provider.(EnginePopulator)
		s.connect = PionConnectionFactory(config, populator, s.logger)
	}

	unsubscribe, err := channel.SubscribeIncoming(ctx2, selfID, s.handleSignal)
	if err != nil {
		cancel2()
		return nil, fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	s.unsubscribe = unsubscribe

	return s, nil
}

// OnStatusChange registers an observer for status transitions. Observers
// run outside the session lock; registration is chainable.
func (s *Session) OnStatusChange(handler func(Status)) *Session {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	s.onStatus = append(s.onStatus, handler)
	return s
}

func (s *Session) OnIncoming(handler func(IncomingCall)) *Session {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	s.onIncoming = append(s.onIncoming, handler)
	return s
}

func (s *Session) OnRemoteStream(handler func(*MediaStream)) *Session {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	s.onRemoteStream = append(s.onRemoteStream, handler)
	return s
}

// StartCall places an outgoing call to peerID. Local media is acquired
// before any signal leaves the channel, so a capture failure produces no
// traffic the remote side could ring on.
func (s *Session) StartCall(ctx context.Context, peerID string, callType CallType) error {
	if peerID == "" {
		return errors.New("call requires a peer id")
	}
	if callType != CallAudio && callType != CallVideo {
		return fmt.Errorf("unknown call type %q", callType)
	}

	s.mu.Lock()
	// a finished attempt still releasing resources blocks the next one:
	// its outgoing-signal purge must not race a fresh offer
	if s.status.InFlight() || s.tearing {
		s.mu.Unlock()
		return ErrCallInProgress
	}
	s.attempt++
	attempt := s.attempt
	s.beginAttemptLocked(StatusConnecting, peerID, callType)
	s.mu.Unlock()

	s.notifyStatus(StatusConnecting)
	s.logger.Info("starting call", "peer", peerID, "call-type", callType)

	local, err := s.media.Acquire(ctx, callType)
	if err != nil {
		s.finish(attempt, StatusFailed, err)
		return err
	}

	conn, err := s.openConnection(attempt, callType, peerID)
	if err != nil {
		s.finish(attempt, StatusFailed, err)
		return err
	}

	if err := conn.AttachLocal(local); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		s.finish(attempt, StatusFailed, wrapped)
		return wrapped
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		s.finish(attempt, StatusFailed, wrapped)
		return wrapped
	}

	if err := s.channel.Send(ctx, NewOfferSignal(s.selfID, peerID, callType, offer)); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
		s.finish(attempt, StatusFailed, wrapped)
		return wrapped
	}

	s.armDeadline(attempt)
	return nil
}

// AnswerCall accepts the currently ringing incoming call.
func (s *Session) AnswerCall(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusRinging || s.pendingOffer == nil {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	attempt := s.attempt
	offer := *s.pendingOffer
	s.pendingOffer = nil
	s.status = StatusConnecting
	s.mu.Unlock()

	s.notifyStatus(StatusConnecting)
	s.logger.Info("answering call", "peer", offer.From, "call-type", offer.CallType)

	local, err := s.media.Acquire(ctx, offer.CallType)
	if err != nil {
		s.finish(attempt, StatusFailed, err)
		return err
	}

	conn, err := s.openConnection(attempt, offer.CallType, offer.From)
	if err != nil {
		s.finish(attempt, StatusFailed, err)
		return err
	}

	if err := conn.AttachLocal(local); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		s.finish(attempt, StatusFailed, wrapped)
		return wrapped
	}

	answer, err := conn.HandleOffer(ctx, *offer.Description)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		s.finish(attempt, StatusFailed, wrapped)
		return wrapped
	}

	if err := s.channel.Send(ctx, NewAnswerSignal(s.selfID, offer.From, offer.CallType, answer)); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
		s.finish(attempt, StatusFailed, wrapped)
		return wrapped
	}

	s.armDeadline(attempt)
	return nil
}

// DeclineCall rejects the currently ringing incoming call. The caller is
// told via a leave signal so their side ends instead of timing out.
func (s *Session) DeclineCall(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusRinging {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	attempt := s.attempt
	peer := s.peerID
	callType := s.callType
	s.mu.Unlock()

	if err := s.channel.Send(ctx, NewLeaveSignal(s.selfID, peer, callType)); err != nil {
		s.logger.Warn("failed to notify caller of decline", "peer", peer, "error", err)
	}

	s.finish(attempt, StatusEnded, nil)
	return nil
}

// EndCall hangs up the current attempt. Calling it with no call in flight
// is a no-op; the leave signal is best effort and teardown proceeds even
// when the channel is unreachable.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	if !s.status.InFlight() {
		s.mu.Unlock()
		return nil
	}
	attempt := s.attempt
	peer := s.peerID
	callType := s.callType
	s.mu.Unlock()

	if err := s.channel.Send(ctx, NewLeaveSignal(s.selfID, peer, callType)); err != nil {
		s.logger.Warn("failed to send leave signal", "peer", peer, "error", err)
	}

	s.finish(attempt, StatusEnded, nil)
	return nil
}

func (s *Session) ToggleAudio() bool { return s.media.ToggleAudio() }

func (s *Session) ToggleVideo() bool { return s.media.ToggleVideo() }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

func (s *Session) IsCallActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status == StatusActive
}

func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.peerID
}

func (s *Session) CallType() CallType {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.callType
}

// Err returns the cause recorded for the most recent failed attempt, nil
// otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

func (s *Session) LocalStream() *MediaStream { return s.media.LocalStream() }

func (s *Session) RemoteStream() *MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remoteStream
}

// History returns finished attempts, oldest first.
func (s *Session) History() []CallHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]CallHistoryEntry, len(s.history))
	copy(history, s.history)
	return history
}

// Quality returns the latest quality snapshot, or an unknown-level
// snapshot when no monitor is running.
func (s *Session) Quality() QualitySnapshot {
	s.mu.Lock()
	monitor := s.monitor
	s.mu.Unlock()

	if monitor == nil {
		return QualitySnapshot{Level: QualityUnknown}
	}
	return monitor.Latest()
}

func (s *Session) Close() error {
	var merr error
	s.closeOnce.Do(func() {
		if err := s.EndCall(context.Background()); err != nil {
			merr = multierr.Append(merr, err)
		}

		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.cancel != nil {
			s.cancel()
		}
	})

	return merr
}

// beginAttemptLocked resets per-attempt state. Caller holds s.mu and has
// already bumped s.attempt.
func (s *Session) beginAttemptLocked(status Status, peerID string, callType CallType) {
	s.torn = false
	s.status = status
	s.peerID = peerID
	s.callType = callType
	s.conn = nil
	s.remoteStream = nil
	s.pendingOffer = nil
	s.earlyCandidates = nil
	s.monitor = nil
	s.lastErr = nil
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}

func (s *Session) openConnection(attempt uint64, callType CallType, peer string) (Connection, error) {
	conn, err := s.connect(s.ctx, callType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	conn.OnLocalCandidate(func(candidate CandidatePayload) {
		if !s.attemptCurrent(attempt) {
			return
		}
		if err := s.channel.Send(s.ctx, NewCandidateSignal(s.selfID, peer, callType, candidate)); err != nil {
			s.logger.Warn("failed to relay local candidate", "peer", peer, "error", err)
		}
	})

	conn.OnConnectivityChange(func(connectivity Connectivity) {
		switch connectivity {
		case ConnectivityConnected:
			s.markActive(attempt)
		case ConnectivityDisconnected, ConnectivityFailed:
			s.finish(attempt, StatusFailed, ErrConnectivityLost)
		case ConnectivityClosed:
			s.finish(attempt, StatusEnded, nil)
		}
	})

	conn.OnRemoteTrack(func(track MediaTrack) {
		s.addRemoteTrack(attempt, track)
	})

	s.mu.Lock()
	if s.attempt != attempt || s.torn {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, ErrNoActiveCall
	}
	// ringing-era candidates go in before the connection is published
	// for direct routing, so arrival order holds across the two buffers
	for _, candidate := range s.earlyCandidates {
		if err := conn.AddRemoteCandidate(candidate); err != nil {
			s.logger.Warn("failed to apply buffered candidate", "error", err)
		}
	}
	s.earlyCandidates = nil
	s.conn = conn
	s.mu.Unlock()

	return conn, nil
}

func (s *Session) handleSignal(signal CallSignal) {
	if err := signal.Validate(); err != nil {
		s.logger.Warn("dropping malformed signal", "error", err)
		return
	}

	switch signal.Type {
	case SignalOffer:
		s.handleOffer(signal)
	case SignalAnswer:
		s.handleAnswer(signal)
	case SignalCandidate:
		s.handleCandidate(signal)
	case SignalLeave:
		s.handleLeave(signal)
	}
}

func (s *Session) handleOffer(signal CallSignal) {
	s.mu.Lock()
	if s.status.InFlight() || s.tearing {
		// busy: the stray offer is ignored rather than interrupting the
		// live attempt
		s.mu.Unlock()
		s.logger.Info("ignoring offer while call in flight", "from", signal.From)
		return
	}
	s.attempt++
	attempt := s.attempt
	s.beginAttemptLocked(StatusRinging, signal.From, signal.CallType)
	s.pendingOffer = &signal
	s.mu.Unlock()

	s.notifyStatus(StatusRinging)
	s.logger.Info("incoming call", "peer", signal.From, "call-type", signal.CallType)

	s.armDeadline(attempt)
	s.notifyIncoming(IncomingCall{
		Peer:    signal.From,
		Type:    signal.CallType,
		session: s,
		attempt: attempt,
	})
}

func (s *Session) handleAnswer(signal CallSignal) {
	s.mu.Lock()
	if s.torn || s.status != StatusConnecting || signal.From != s.peerID || s.conn == nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring unexpected answer", "from", signal.From)
		return
	}
	attempt := s.attempt
	conn := s.conn
	s.mu.Unlock()

	if err := conn.HandleAnswer(s.ctx, *signal.Description); err != nil {
		s.finish(attempt, StatusFailed, fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
	}
}

func (s *Session) handleCandidate(signal CallSignal) {
	s.mu.Lock()
	if s.torn || !s.status.InFlight() || signal.From != s.peerID {
		s.mu.Unlock()
		s.logger.Debug("ignoring stray candidate", "from", signal.From)
		return
	}
	if s.conn == nil {
		// still ringing: hold candidates until the offer is accepted
		s.earlyCandidates = append(s.earlyCandidates, *signal.Candidate)
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.AddRemoteCandidate(*signal.Candidate); err != nil {
		s.logger.Warn("failed to apply remote candidate", "error", err)
	}
}

func (s *Session) handleLeave(signal CallSignal) {
	s.mu.Lock()
	if s.torn || !s.status.InFlight() || signal.From != s.peerID {
		s.mu.Unlock()
		return
	}
	attempt := s.attempt
	s.mu.Unlock()

	s.logger.Info("peer left call", "peer", signal.From)
	s.finish(attempt, StatusEnded, nil)
}

func (s *Session) addRemoteTrack(attempt uint64, track MediaTrack) {
	s.mu.Lock()
	if s.attempt != attempt || s.torn {
		s.mu.Unlock()
		return
	}
	created := s.remoteStream == nil
	if created {
		s.remoteStream = NewMediaStream(track)
	} else {
		s.remoteStream.AddTrack(track)
	}
	stream := s.remoteStream
	s.mu.Unlock()

	if created {
		s.notifyRemoteStream(stream)
	}
}

func (s *Session) markActive(attempt uint64) {
	s.mu.Lock()
	if s.attempt != attempt || s.torn || !s.status.InFlight() || s.status == StatusActive {
		s.mu.Unlock()
		return
	}
	s.status = StatusActive
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if source, ok := s.conn.(StatsSource); ok && s.statsInterval > 0 {
		s.monitor = NewQualityMonitor(s.ctx, source, s.statsInterval, s.logger)
	}
	s.mu.Unlock()

	s.logger.Info("call active")
	s.notifyStatus(StatusActive)
}

// armDeadline bounds how long an attempt may sit in connecting or ringing.
// An attempt that reaches active cancels the timer.
func (s *Session) armDeadline(attempt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt != attempt || s.torn || s.ringTimeout <= 0 {
		return
	}
	if s.deadline != nil {
		s.deadline.Stop()
	}
	s.deadline = time.AfterFunc(s.ringTimeout, func() {
		s.timeoutAttempt(attempt)
	})
}

func (s *Session) timeoutAttempt(attempt uint64) {
	s.mu.Lock()
	expired := s.attempt == attempt && !s.torn &&
		(s.status == StatusConnecting || s.status == StatusRinging)
	s.mu.Unlock()

	if !expired {
		return
	}

	s.logger.Warn("call attempt timed out")
	s.finish(attempt, StatusFailed, ErrCallTimeout)
}

// finish tears down one attempt exactly once: stop the monitor, close the
// connection, release both media streams, purge outgoing signals, record
// history, and settle the status. Safe to call from any goroutine; stale
// attempts and repeat calls are no-ops. StartCall and incoming offers are
// held off until the teardown completes.
func (s *Session) finish(attempt uint64, status Status, cause error) {
	s.mu.Lock()
	if s.attempt != attempt || s.torn || !s.status.InFlight() {
		s.mu.Unlock()
		return
	}
	s.torn = true
	s.tearing = true
	conn := s.conn
	monitor := s.monitor
	remote := s.remoteStream
	peer := s.peerID
	callType := s.callType
	s.conn = nil
	s.monitor = nil
	s.remoteStream = nil
	s.pendingOffer = nil
	s.earlyCandidates = nil
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	s.status = status
	s.lastErr = cause
	s.history = append(s.history, CallHistoryEntry{
		Time:   time.Now(),
		Peer:   peer,
		Type:   callType,
		Status: status,
	})
	s.mu.Unlock()

	var merr error
	if monitor != nil {
		merr = multierr.Append(merr, monitor.Close())
	}
	if conn != nil {
		merr = multierr.Append(merr, conn.Close())
	}
	merr = multierr.Append(merr, s.media.Release())
	if remote != nil {
		merr = multierr.Append(merr, remote.Release())
	}
	if merr != nil {
		s.logger.Warn("errors during call teardown", "error", merr)
	}

	if err := s.channel.PurgeOutgoing(s.ctx, s.selfID); err != nil {
		s.logger.Warn("failed to purge outgoing signals", "error", err)
	}

	// next attempt is admitted only once the purge is done, so the old
	// teardown cannot delete a fresh offer
	s.mu.Lock()
	s.tearing = false
	s.mu.Unlock()

	s.logger.Info("call finished", "peer", peer, "status", status, "cause", cause)
	s.notifyStatus(status)
}

func (s *Session) attemptCurrent(attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempt == attempt && !s.torn
}

func (s *Session) notifyStatus(status Status) {
	s.obsMu.Lock()
	handlers := make([]func(Status), len(s.onStatus))
	copy(handlers, s.onStatus)
	s.obsMu.Unlock()

	for _, handler := range handlers {
		handler(status)
	}
}

func (s *Session) notifyIncoming(call IncomingCall) {
	s.obsMu.Lock()
	handlers := make([]func(IncomingCall), len(s.onIncoming))
	copy(handlers, s.onIncoming)
	s.obsMu.Unlock()

	for _, handler := range handlers {
		handler(call)
	}
}

func (s *Session) notifyRemoteStream(stream *MediaStream) {
	s.obsMu.Lock()
	handlers := make([]func(*MediaStream), len(s.onRemoteStream))
	copy(handlers, s.onRemoteStream)
	s.obsMu.Unlock()

	for _, handler := range handlers {
		handler(stream)
	}
}

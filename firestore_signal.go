package callkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"go.uber.org/multierr"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	FieldType             = "type"
	FieldFrom             = "from"
	FieldTo               = "to"
	FieldCallType         = "call-type"
	FieldSDPType          = "sdp-type"
	FieldSDP              = "sdp"
	FieldCandidate        = "candidate"
	FieldSDPMid           = "sdp-mid"
	FieldSDPMLineIndex    = "sdp-mline-index"
	FieldUsernameFragment = "username-fragment"
	FieldCreatedAt        = "created-at"

	DefaultSignalCollection = "call-signals"
)

// signalRecord is the flattened document shape persisted per signal.
type signalRecord struct {
	Type             string    `firestore:"type"`
	From             string    `firestore:"from"`
	To               string    `firestore:"to"`
	CallType         string    `firestore:"call-type"`
	SDPType          string    `firestore:"sdp-type,omitempty"`
	SDP              string    `firestore:"sdp,omitempty"`
	Candidate        string    `firestore:"candidate,omitempty"`
	SDPMid           *string   `firestore:"sdp-mid,omitempty"`
	SDPMLineIndex    *int      `firestore:"sdp-mline-index,omitempty"`
	UsernameFragment *string   `firestore:"username-fragment,omitempty"`
	CreatedAt        time.Time `firestore:"created-at,serverTimestamp"`
}

func encodeSignalRecord(signal CallSignal) signalRecord {
	record := signalRecord{
		Type:     string(signal.Type),
		From:     signal.From,
		To:       signal.To,
		CallType: string(signal.CallType),
	}

	if signal.Description != nil {
		record.SDPType = signal.Description.Type
		record.SDP = signal.Description.SDP
	}

	if signal.Candidate != nil {
		record.Candidate = signal.Candidate.Candidate
		record.SDPMid = signal.Candidate.SDPMid
		record.UsernameFragment = signal.Candidate.UsernameFragment
		if signal.Candidate.SDPMLineIndex != nil {
			index := int(*signal.Candidate.SDPMLineIndex)
			record.SDPMLineIndex = &index
		}
	}

	return record
}

func (r signalRecord) signal(id string) (CallSignal, error) {
	signal := CallSignal{
		ID:        id,
		Type:      SignalType(r.Type),
		From:      r.From,
		To:        r.To,
		CallType:  CallType(r.CallType),
		CreatedAt: r.CreatedAt,
	}

	switch signal.Type {
	case SignalOffer, SignalAnswer:
		signal.Description = &SessionDescriptionPayload{Type: r.SDPType, SDP: r.SDP}
	case SignalCandidate:
		candidate := &CandidatePayload{
			Candidate:        r.Candidate,
			SDPMid:           r.SDPMid,
			UsernameFragment: r.UsernameFragment,
		}
		if r.SDPMLineIndex != nil {
			index := uint16(*r.SDPMLineIndex)
			candidate.SDPMLineIndex = &index
		}
		signal.Candidate = candidate
	}

	if err := signal.Validate(); err != nil {
		return CallSignal{}, fmt.Errorf("invalid signal record %s: %w", id, err)
	}
	return signal, nil
}

type FirestoreChannelOption = func(*FirestoreSignalChannel) error

// WithFirestoreCredentials overrides the env-derived service-account
// credentials, e.g. to point the channel at an emulator project.
func WithFirestoreCredentials(credentials option.ClientOption) FirestoreChannelOption {
	return func(channel *FirestoreSignalChannel) error {
		channel.credentials = credentials
		return nil
	}
}

func WithFirestoreLogger(logger *slog.Logger) FirestoreChannelOption {
	return func(channel *FirestoreSignalChannel) error {
		channel.logger = logger.With("component", "firestore-signal")
		return nil
	}
}

// FirestoreSignalChannel relays CallSignals through a Firestore collection
// used as a shared, multi-writer signal log. Each participant's records are
// exclusively owned by that participant: the sender purges its own records
// at teardown and the receiver deletes each record as it consumes it, so
// the collection holds only in-flight signals.
type FirestoreSignalChannel struct {
	app         *firebase.App
	client      *firestore.Client
	collection  string
	credentials option.ClientOption
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func CreateFirestoreSignalChannel(ctx context.Context, collection string, options ...FirestoreChannelOption) (*FirestoreSignalChannel, error) {
	if collection == "" {
		collection = DefaultSignalCollection
	}

	channel := &FirestoreSignalChannel{
		collection: collection,
		logger:     slog.Default().With("component", "firestore-signal"),
	}

	for _, option := range options {
		if err := option(channel); err != nil {
			return nil, err
		}
	}

	if channel.credentials == nil {
		credentials, err := FirebaseCredentialsFromEnv()
		if err != nil {
			return nil, fmt.Errorf("error while assembling firebase credentials: %w", err)
		}
		channel.credentials = credentials
	}

	app, err := firebase.NewApp(ctx, nil, channel.credentials)
	if err != nil {
		return nil, fmt.Errorf("error while creating firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error while creating firestore client: %w", err)
	}

	channel.app = app
	channel.client = client

	return channel, nil
}

func (c *FirestoreSignalChannel) Send(ctx context.Context, signal CallSignal) error {
	if err := signal.Validate(); err != nil {
		return err
	}

	if _, _, err := c.client.Collection(c.collection).Add(ctx, encodeSignalRecord(signal)); err != nil {
		return fmt.Errorf("%w: sending %s signal: %v", ErrSignalingUnavailable, signal.Type, err)
	}
	return nil
}

func (c *FirestoreSignalChannel) SubscribeIncoming(ctx context.Context, selfID string, onSignal func(CallSignal)) (Unsubscribe, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	ctx2, cancel := context.WithCancel(ctx)
	snapshots := c.client.Collection(c.collection).Where(FieldTo, "==", selfID).Snapshots(ctx2)

	go func() {
		defer c.wg.Done()
		defer snapshots.Stop()

		for {
			snapshot, err := snapshots.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					c.logger.Warn("signal subscription ended", "self", selfID, "error", err)
				}
				return
			}

			for _, change := range snapshot.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}

				var record signalRecord
				if err := change.Doc.DataTo(&record); err != nil {
					c.logger.Warn("unreadable signal record skipped", "doc", change.Doc.Ref.ID, "error", err)
					continue
				}

				signal, err := record.signal(change.Doc.Ref.ID)
				if err != nil {
					c.logger.Warn("malformed signal record skipped", "doc", change.Doc.Ref.ID, "error", err)
					continue
				}

				// consumed records are deleted immediately so the channel
				// log holds only in-flight signals
				if _, err := change.Doc.Ref.Delete(ctx2); err != nil && status.Code(err) != codes.NotFound {
					c.logger.Warn("failed to delete consumed signal", "doc", change.Doc.Ref.ID, "error", err)
				}

				onSignal(signal)
			}
		}
	}()

	return cancel, nil
}

func (c *FirestoreSignalChannel) PurgeOutgoing(ctx context.Context, selfID string) error {
	documents := c.client.Collection(c.collection).Where(FieldFrom, "==", selfID).Documents(ctx)
	defer documents.Stop()

	var merr error
	for {
		document, err := documents.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: listing outgoing signals: %v", ErrSignalingUnavailable, err)
		}

		if _, err := document.Ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			merr = multierr.Append(merr, err)
		}
	}

	return merr
}

func (c *FirestoreSignalChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.client.Close()
	c.wg.Wait()
	return err
}

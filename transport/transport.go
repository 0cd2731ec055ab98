// Package transport delivers envelopes over a shared ordered broadcast log:
// at-least-once delivery in sequence order, duplicate suppression over a
// bounded recent window, `to`-based filtering, and historical replay.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linkedout-ai/agent-commerce/logger"
	"github.com/linkedout-ai/agent-commerce/protocol"
	"github.com/linkedout-ai/agent-commerce/types"
)

// Record is one committed entry of the underlying log.
type Record struct {
	SequenceNumber uint64
	Timestamp      time.Time
	Data           []byte
}

// Log is the ordered broadcast log the deployment shares. Implementations
// must assign strictly increasing sequence numbers per channel and deliver
// records to every subscriber in non-decreasing sequence order, at least
// once.
type Log interface {
	// Append commits data to the log and returns the assigned record.
	Append(ctx context.Context, data []byte) (Record, error)
	// Subscribe streams records starting at fromSequence (0 means "new
	// records only"). The returned cancel function stops the stream.
	Subscribe(ctx context.Context, fromSequence uint64) (<-chan Record, func(), error)
}

// PublishResult is the structured outcome of a publish. Transport never
// retries; a failed publish means "message not delivered" and retrying is
// the caller's decision.
type PublishResult struct {
	Success        bool
	TransactionRef string
	SequenceNumber uint64
	Error          string
}

// Metadata accompanies each delivered envelope.
type Metadata struct {
	SequenceNumber     uint64
	ConsensusTimestamp string
}

// Callback handles one delivered envelope.
type Callback func(env types.Envelope, meta Metadata)

// SubscribeOptions control filtering and replay for a subscription.
type SubscribeOptions struct {
	// FilterIDs restricts delivery to envelopes addressed to one of these
	// ids or to the broadcast sentinel. Empty means no filtering.
	FilterIDs []string
	// StartSequence replays from this sequence number; 0 subscribes from
	// now.
	StartSequence uint64
	// DedupWindow bounds the most-recently-seen set; values below
	// MinDedupWindow are raised to it.
	DedupWindow int
}

// MinDedupWindow is the smallest allowed duplicate-suppression window.
// Duplicates arriving after more than this many distinct records may be
// delivered again; that bounded window is a deliberate trade-off.
const MinDedupWindow = 100

// Transport publishes and delivers envelopes over a Log.
type Transport struct {
	log    Log
	mirror *Mirror
	val    *protocol.Validator
	lg     *logger.Logger

	mu           sync.Mutex
	lastSequence uint64
	subscribed   bool
	cancel       func()
}

// Option configures a Transport.
type Option func(*Transport)

// WithMirror attaches a mirror client used for historical queries.
func WithMirror(m *Mirror) Option {
	return func(t *Transport) { t.mirror = m }
}

// New creates a Transport over the given log.
func New(log Log, val *protocol.Validator, lg *logger.Logger, opts ...Option) *Transport {
	if lg == nil {
		lg = logger.Global()
	}
	t := &Transport{log: log, val: val, lg: lg}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Publish validates, serializes and appends an envelope to the log. All
// failures surface in the result, never as a panic or unstructured error.
func (t *Transport) Publish(ctx context.Context, env types.Envelope) PublishResult {
	if validation := t.val.Validate(env); !validation.Valid {
		return PublishResult{Error: fmt.Sprintf("invalid message: %s", validation.Error())}
	}

	data, err := env.Encode()
	if err != nil {
		return PublishResult{Error: fmt.Sprintf("serialize message: %v", err)}
	}

	rec, err := t.log.Append(ctx, data)
	if err != nil {
		return PublishResult{Error: fmt.Sprintf("submit to log: %v", err)}
	}

	t.lg.Debugf("published %s (%s) at seq %d", env.Type, env.ID, rec.SequenceNumber)
	return PublishResult{
		Success:        true,
		TransactionRef: fmt.Sprintf("%d-%d", rec.Timestamp.UnixNano(), rec.SequenceNumber),
		SequenceNumber: rec.SequenceNumber,
	}
}

// Subscribe registers a callback invoked exactly once per distinct
// (timestamp, sequence) pair within the dedup window, in sequence order.
// Callbacks run on a single goroutine, strictly one at a time.
func (t *Transport) Subscribe(ctx context.Context, cb Callback, opts SubscribeOptions) error {
	t.mu.Lock()
	if t.subscribed {
		t.mu.Unlock()
		t.lg.Warn("already subscribed to topic")
		return nil
	}
	t.subscribed = true
	t.mu.Unlock()

	stream, cancel, err := t.log.Subscribe(ctx, opts.StartSequence)
	if err != nil {
		t.mu.Lock()
		t.subscribed = false
		t.mu.Unlock()
		return fmt.Errorf("subscribe to log: %w", err)
	}

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	window := opts.DedupWindow
	if window < MinDedupWindow {
		window = MinDedupWindow
	}
	seen := newSeenSet(window)

	go func() {
		for rec := range stream {
			t.deliver(rec, cb, opts, seen)
		}
	}()

	return nil
}

func (t *Transport) deliver(rec Record, cb Callback, opts SubscribeOptions, seen *seenSet) {
	key := fmt.Sprintf("%d-%d-%d", rec.Timestamp.Unix(), rec.Timestamp.Nanosecond(), rec.SequenceNumber)
	if seen.observe(key) {
		return
	}

	if opts.StartSequence > 0 && rec.SequenceNumber < opts.StartSequence {
		return
	}

	env, err := types.Decode(rec.Data)
	if err != nil {
		t.lg.Warnf("dropping undecodable record at seq %d: %v", rec.SequenceNumber, err)
		return
	}

	t.mu.Lock()
	if rec.SequenceNumber > t.lastSequence {
		t.lastSequence = rec.SequenceNumber
	}
	t.mu.Unlock()

	if validation := t.val.Validate(env); !validation.Valid {
		t.lg.Warnf("dropping invalid message at seq %d: %s", rec.SequenceNumber, validation.Error())
		return
	}

	if len(opts.FilterIDs) > 0 && !addressedTo(env.To, opts.FilterIDs) {
		return
	}

	cb(env, Metadata{
		SequenceNumber:     rec.SequenceNumber,
		ConsensusTimestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func addressedTo(to string, filterIDs []string) bool {
	if to == types.Broadcast {
		return true
	}
	for _, id := range filterIDs {
		if to == id {
			return true
		}
	}
	return false
}

// Unsubscribe stops delivery. Safe to call when not subscribed.
func (t *Transport) Unsubscribe() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.subscribed = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LastSequenceNumber returns the delivery high-water mark, usable as a
// checkpoint for resumable subscriptions.
func (t *Transport) LastSequenceNumber() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSequence
}

// SetLastSequenceNumber restores a checkpoint after restart.
func (t *Transport) SetLastSequenceNumber(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSequence = seq
}

// GetHistoricalMessages queries the mirror for past envelopes, independent of
// the live subscription. Best effort: used for recovery, not negotiation.
func (t *Transport) GetHistoricalMessages(ctx context.Context, opts HistoryOptions) ([]HistoricalMessage, error) {
	if t.mirror == nil {
		return nil, fmt.Errorf("no mirror client configured")
	}
	return t.mirror.Messages(ctx, opts)
}

// seenSet is a bounded most-recently-seen set with oldest-first eviction.
type seenSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

// observe reports whether key was already present, and records it.
func (s *seenSet) observe(key string) bool {
	if _, ok := s.members[key]; ok {
		return true
	}
	s.members[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	return false
}

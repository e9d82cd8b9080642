// Package audit defines the append-only audit trail emitted by the ledger,
// the consensus coordinator and the command gate.
//
// A Record is rendered as an ordered list of key/value attributes: event,
// actor, timestamp, decision hash, outcome, then any event-specific
// attributes in the order they were added. Sinks must not reorder them.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/actuation-gate/interfaces"
)

// Event types.
const (
	EventCommandSubmitted = "command_submitted"
	EventCommandExecuted  = "command_executed"
	EventCommandRejected  = "command_rejected"
	EventCommandPending   = "command_pending"
	EventEmergencyBypass  = "emergency_bypass"
	EventCommandReceived  = "command_received"

	EventConsensusRequested = "consensus_requested"
	EventVoteAccepted       = "vote_accepted"
	EventVoteRejected       = "vote_rejected"
	EventLateVote           = "late_vote"
	EventConsensusResolved  = "consensus_resolved"

	EventTransactionConfirmed = "transaction_confirmed"

	EventLockdown        = "lockdown"
	EventLockdownRelease = "lockdown_released"
	EventKeyRotation     = "key_rotation"
	EventTargetChange    = "target_change"
)

// Record is one audit entry.
type Record struct {
	Event        string
	Actor        string
	Timestamp    time.Time
	DecisionHash interfaces.Hash
	Outcome      string
	Bypass       bool
	Attrs        []slog.Attr
}

// With returns a copy of r with extra attributes appended.
func (r Record) With(attrs ...slog.Attr) Record {
	r.Attrs = append(append([]slog.Attr(nil), r.Attrs...), attrs...)
	return r
}

// Fields returns the record as ordered key/value attributes.
func (r Record) Fields() []slog.Attr {
	fields := []slog.Attr{
		slog.String("event", r.Event),
		slog.String("actor", r.Actor),
		slog.Time("timestamp", r.Timestamp),
	}
	if !r.DecisionHash.IsZero() {
		fields = append(fields, slog.String("decision_hash", r.DecisionHash.String()))
	}
	fields = append(fields, slog.String("outcome", r.Outcome))
	if r.Bypass {
		fields = append(fields, slog.Bool("bypass", true))
	}
	return append(fields, r.Attrs...)
}

// Sink consumes audit records. Emit must be safe for concurrent use and must
// not block on slow consumers.
type Sink interface {
	Emit(r Record)
}

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Record) {}

// LogSink writes records to a slog logger at info level.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "audit")}
}

func (s *LogSink) Emit(r Record) {
	s.log.LogAttrs(context.Background(), slog.LevelInfo, "audit", r.Fields()...)
}

// Ring keeps the most recent records in memory for inspection through the
// admin API. The durable trail is whatever sink it is combined with.
type Ring struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]Record, size)}
}

func (r *Ring) Emit(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Records returns the retained records, oldest first.
func (r *Ring) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]Record(nil), r.buf[:r.next]...)
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Filter returns the retained records of one event type, oldest first.
func (r *Ring) Filter(event string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Event == event {
			out = append(out, rec)
		}
	}
	return out
}

// Multi fans a record out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(r Record) {
	for _, s := range m {
		s.Emit(r)
	}
}

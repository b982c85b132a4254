// Package normalize maps provider events onto Transcript Store operations.
//
// Every decoded realtime event is classified into at most one canonical
// operation: Create, Replace or Append. Items that are not messages, error
// reports, and unrecognised events produce no operation and are dropped.
// Operations are applied strictly in the order the transport delivers them.
package normalize

import (
	"context"
	"log/slog"

	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/internal/transcript"
	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

// OpKind is the canonical operation kind.
type OpKind int

const (
	// OpCreate starts a new conversational turn.
	OpCreate OpKind = iota + 1

	// OpReplace delivers the terminal text for an id.
	OpReplace

	// OpAppend delivers an incremental fragment for an id.
	OpAppend
)

// String returns the lower-case name used as a metric label.
func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpReplace:
		return "replace"
	case OpAppend:
		return "append"
	default:
		return "none"
	}
}

// Op is one Transcript Store operation.
type Op struct {
	Kind OpKind
	ID   string
	Role transcript.Role
	Text string

	// IsDelta is true for Append and false otherwise.
	IsDelta bool
}

// Classify maps ev to its canonical operation. The second result is false for
// events that do not touch the transcript.
func Classify(ev realtime.Event) (Op, bool) {
	switch e := ev.(type) {
	case realtime.ItemCreated:
		if e.ItemType != "message" || e.ItemID == "" {
			return Op{}, false
		}
		role := transcript.Role(e.Role)
		if !role.IsValid() {
			// System items are not conversation turns.
			return Op{}, false
		}
		return Op{Kind: OpCreate, ID: e.ItemID, Role: role, Text: e.Text}, true

	case realtime.TranscriptionCompleted:
		if e.ItemID == "" {
			return Op{}, false
		}
		return Op{Kind: OpReplace, ID: e.ItemID, Role: transcript.RoleUser, Text: e.Transcript}, true

	case realtime.ResponseDelta:
		if e.ItemID == "" {
			return Op{}, false
		}
		return Op{Kind: OpAppend, ID: e.ItemID, Role: transcript.RoleAssistant, Text: e.Delta, IsDelta: true}, true

	case realtime.ResponseDone:
		if e.ItemID == "" {
			return Op{}, false
		}
		return Op{Kind: OpReplace, ID: e.ItemID, Role: transcript.RoleAssistant, Text: e.Text}, true
	}
	return Op{}, false
}

// Apply performs op on store.
func Apply(store *transcript.Store, op Op) {
	switch op.Kind {
	case OpCreate:
		store.Create(op.ID, op.Role, op.Text)
	case OpReplace:
		store.Replace(op.ID, op.Role, op.Text)
	case OpAppend:
		store.Append(op.ID, op.Role, op.Text)
	}
}

// Normalizer applies the events of one connection to a store. A Normalizer is
// bound to a single connection attempt: once its guard reports the connection
// is no longer active, every further event is dropped.
type Normalizer struct {
	store   *transcript.Store
	active  func() bool
	metrics *observe.Metrics
}

// Option configures a [Normalizer].
type Option func(*Normalizer)

// WithMetrics records applied and dropped operations.
func WithMetrics(m *observe.Metrics) Option {
	return func(n *Normalizer) { n.metrics = m }
}

// New returns a Normalizer writing to store. active is consulted before every
// mutation; a nil active means always active.
func New(store *transcript.Store, active func() bool, opts ...Option) *Normalizer {
	if active == nil {
		active = func() bool { return true }
	}
	n := &Normalizer{store: store, active: active}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Apply classifies ev and applies the resulting operation. It reports whether
// the store was touched. Apply never panics on unexpected input.
func (n *Normalizer) Apply(ctx context.Context, ev realtime.Event) bool {
	if ev == nil {
		return false
	}
	if !n.active() {
		slog.Debug("normalize: dropping event from inactive session", "type", ev.EventType())
		if n.metrics != nil {
			n.metrics.RecordLateEvent(ctx, ev.EventType())
		}
		return false
	}

	op, ok := Classify(ev)
	if !ok {
		return false
	}
	Apply(n.store, op)
	if n.metrics != nil {
		n.metrics.RecordTranscriptOp(ctx, op.Kind.String())
	}
	return true
}

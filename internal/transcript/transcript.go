// Package transcript holds the ordered log of a single conversation.
//
// A [Store] is the single source of truth for rendering and analysis. Entries
// are addressed by a stable id, created once, and afterwards only mutated in
// place: text grows through Append or is overwritten through Replace. Nothing
// is ever removed within a session; [Store.Reset] starts a new one.
//
// Two views are available. [Store.Snapshot] returns entries in insertion
// order, which is what a live view renders. [Store.Chronological] orders by
// CreatedAtMs, which is assigned once at creation and is strictly increasing
// within a store, so exports are stable regardless of the order in which
// provider events arrived.
//
// All methods are safe for concurrent use.
package transcript

import "fmt"

// Kind distinguishes spoken turns from system notes.
type Kind int

const (
	// KindMessage is a conversational turn by the user or the assistant.
	KindMessage Kind = iota

	// KindBreadcrumb is a system or debug note. Breadcrumbs are never part of
	// the analysis log.
	KindBreadcrumb
)

// String returns the upper-case name used in logs and exports.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "MESSAGE"
	case KindBreadcrumb:
		return "BREADCRUMB"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Entry is one addressable unit of conversation content.
type Entry struct {
	// ID is unique within a session and never reused.
	ID string

	Kind Kind

	// Role is meaningful only for KindMessage.
	Role Role

	// Text is the current content. It starts possibly empty and grows through
	// Append or is overwritten through Replace.
	Text string

	// CreatedAtMs is the creation timestamp in Unix milliseconds. It is the
	// ordering key for chronological exports.
	CreatedAtMs int64

	// Hidden entries stay in the store but are excluded from analysis.
	Hidden bool

	// Final is set once a Replace has delivered the terminal text. Later
	// Append fragments for the entry are discarded.
	Final bool
}

// IsMessage reports whether e is a visible conversational turn.
func (e Entry) IsMessage() bool {
	return e.Kind == KindMessage && !e.Hidden
}

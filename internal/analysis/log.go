package analysis

import (
	"strings"

	"github.com/MrWong99/kokoro/internal/transcript"
)

// Speaker labels used in the conversation log.
const (
	UserLabel      = "【ユーザー】"
	AssistantLabel = "【相手】"
)

// SessionContext describes the conversation being scored.
type SessionContext struct {
	PersonalityArchetype string `json:"personalityArchetype"`
	PersonalityPrompt    string `json:"personalityPrompt"`
	ScenarioText         string `json:"scenarioText"`
	ExpressivenessMode   string `json:"expressivenessMode"`
	Interests            string `json:"interests"`
	RelationshipStage    string `json:"relationshipStage"`
	DisplayName          string `json:"displayName"`
}

// ReviewRequest is the payload sent to a remote scoring endpoint.
type ReviewRequest struct {
	ConversationLog string `json:"conversationLog" validate:"required,max=200000"`
	SessionContext
}

// VisibleMessages filters entries down to visible messages with text.
func VisibleMessages(entries []transcript.Entry) []transcript.Entry {
	out := make([]transcript.Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsMessage() && strings.TrimSpace(e.Text) != "" {
			out = append(out, e)
		}
	}
	return out
}

// BuildLog renders entries as one "label: text" line per visible message.
// Entries are expected in chronological order; breadcrumbs, hidden entries
// and empty messages are skipped.
func BuildLog(entries []transcript.Entry) string {
	var b strings.Builder
	for _, e := range VisibleMessages(entries) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if e.Role == transcript.RoleUser {
			b.WriteString(UserLabel)
		} else {
			b.WriteString(AssistantLabel)
		}
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(e.Text))
	}
	return b.String()
}

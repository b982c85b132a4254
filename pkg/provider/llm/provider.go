// Package llm is the chat-completion boundary used to score finished
// conversations.
//
// Scoring never streams: the caller needs the whole JSON object before it
// can validate it, so a [Provider] exposes one blocking Complete call.
// Backends live in subpackages: openai talks to the native SDK, anyllm
// reaches every other vendor through any-llm-go.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNoMessages is returned for a request without messages.
	ErrNoMessages = errors.New("llm: request has no messages")

	// ErrEmptyResponse is returned when the backend answered without choices.
	ErrEmptyResponse = errors.New("llm: response has no choices")

	// ErrTruncated is returned when a JSON-mode reply hit the token limit.
	// The object is incomplete and cannot be parsed.
	ErrTruncated = errors.New("llm: reply truncated at token limit")
)

// Message is one turn of a completion request.
type Message struct {
	Role    string
	Content string
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is a single non-streaming completion.
type CompletionRequest struct {
	// SystemPrompt is sent as a leading system message when set.
	SystemPrompt string

	Messages []Message

	// Temperature in [0, 2]; zero keeps the backend default.
	Temperature float64

	// MaxTokens caps the reply; zero keeps the backend default.
	MaxTokens int

	// JSONMode asks for a single JSON object. Backends without a native
	// switch get an extra system instruction.
	JSONMode bool
}

// Validate checks the request before it leaves the process.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("llm: messages[%d]: unknown role %q", i, m.Role)
		}
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("llm: temperature %.2f is out of range [0, 2]", r.Temperature)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("llm: max tokens %d must not be negative", r.MaxTokens)
	}
	return nil
}

// Conversation returns Messages with the system prompt, extended by extra
// when non-empty, prepended as a system message.
func (r CompletionRequest) Conversation(extra string) []Message {
	system := r.SystemPrompt
	if extra != "" {
		if system != "" {
			system += "\n\n"
		}
		system += extra
	}
	out := make([]Message, 0, len(r.Messages)+1)
	if system != "" {
		out = append(out, Message{Role: RoleSystem, Content: system})
	}
	return append(out, r.Messages...)
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string

	// FinishReason is why generation stopped ("stop", "length", ...).
	FinishReason string

	Usage Usage
}

// Check rejects replies that cannot carry a complete answer for req.
func (r *CompletionResponse) Check(req CompletionRequest) error {
	if req.JSONMode && r.FinishReason == "length" {
		return ErrTruncated
	}
	return nil
}

// Provider is a chat-completion backend. Implementations are safe for
// concurrent use and return promptly when ctx is cancelled.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

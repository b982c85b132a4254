package llm_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/kokoro/pkg/provider/llm"
)

func TestCompletionRequest_Validate(t *testing.T) {
	t.Parallel()

	user := []llm.Message{{Role: llm.RoleUser, Content: "log"}}
	tests := []struct {
		name    string
		req     llm.CompletionRequest
		wantErr error
		wantAny bool
	}{
		{name: "valid", req: llm.CompletionRequest{Messages: user, Temperature: 0.3}},
		{name: "no messages", req: llm.CompletionRequest{SystemPrompt: "x"}, wantErr: llm.ErrNoMessages},
		{name: "unknown role", req: llm.CompletionRequest{Messages: []llm.Message{{Role: "tool"}}}, wantAny: true},
		{name: "temperature too high", req: llm.CompletionRequest{Messages: user, Temperature: 2.5}, wantAny: true},
		{name: "negative max tokens", req: llm.CompletionRequest{Messages: user, MaxTokens: -1}, wantAny: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Validate = %v; want %v", err, tt.wantErr)
				}
			case tt.wantAny:
				if err == nil {
					t.Error("Validate = nil; want error")
				}
			case err != nil:
				t.Errorf("Validate = %v; want nil", err)
			}
		})
	}
}

func TestCompletionRequest_Conversation(t *testing.T) {
	t.Parallel()

	req := llm.CompletionRequest{
		SystemPrompt: "score it",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "log"}},
	}

	got := req.Conversation("")
	if len(got) != 2 || got[0].Role != llm.RoleSystem || got[0].Content != "score it" {
		t.Errorf("Conversation() = %+v", got)
	}

	got = req.Conversation("JSON only.")
	if got[0].Content != "score it\n\nJSON only." {
		t.Errorf("system = %q", got[0].Content)
	}

	bare := llm.CompletionRequest{Messages: req.Messages}
	if got := bare.Conversation(""); len(got) != 1 || got[0].Role != llm.RoleUser {
		t.Errorf("bare Conversation() = %+v", got)
	}
	if got := bare.Conversation("JSON only."); got[0].Role != llm.RoleSystem || got[0].Content != "JSON only." {
		t.Errorf("extra only = %+v", got[0])
	}
	// The caller's slice is never aliased.
	if len(req.Messages) != 1 {
		t.Error("Conversation mutated Messages")
	}
}

func TestCompletionResponse_Check(t *testing.T) {
	t.Parallel()

	json := llm.CompletionRequest{JSONMode: true}
	if err := (&llm.CompletionResponse{FinishReason: "length"}).Check(json); !errors.Is(err, llm.ErrTruncated) {
		t.Errorf("truncated JSON: %v", err)
	}
	if err := (&llm.CompletionResponse{FinishReason: "stop"}).Check(json); err != nil {
		t.Errorf("complete JSON: %v", err)
	}
	if err := (&llm.CompletionResponse{FinishReason: "length"}).Check(llm.CompletionRequest{}); err != nil {
		t.Errorf("truncated text: %v", err)
	}
}

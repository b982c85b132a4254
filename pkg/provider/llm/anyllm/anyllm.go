// Package anyllm scores through github.com/mozilla-ai/any-llm-go, which puts
// Anthropic, Gemini, Ollama and several other backends behind one API.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.New("ollama", "llama3.1")
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/kokoro/pkg/provider/llm"
)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// lift adapts a concrete backend constructor to the common signature.
func lift[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := fn(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var backends = map[string]constructor{
	"openai":    lift(anyllmoai.New),
	"anthropic": lift(anthropic.New),
	"gemini":    lift(gemini.New),
	"ollama":    lift(ollama.New),
	"deepseek":  lift(deepseek.New),
	"mistral":   lift(mistral.New),
	"groq":      lift(groq.New),
	"llamacpp":  lift(llamacpp.New),
	"llamafile": lift(llamafile.New),
}

// Backends returns the accepted backend names, sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// jsonInstruction extends the system prompt in JSON mode; the backends share
// no response-format switch.
const jsonInstruction = "Respond with a single JSON object and nothing else."

// Provider implements [llm.Provider].
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New builds a provider on the named backend. Without an API key option the
// backend reads its usual environment variable (ANTHROPIC_API_KEY, ...).
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	var errs []error
	if backend == "" {
		errs = append(errs, errors.New("backend is required"))
	}
	if model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
	}

	ctor, ok := backends[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (have %s)", backend, strings.Join(Backends(), ", "))
	}
	b, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", backend, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
	}

	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %w", llm.ErrEmptyResponse)
	}

	out := &llm.CompletionResponse{
		Content:      resp.Choices[0].Message.ContentString(),
		FinishReason: resp.Choices[0].FinishReason,
	}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var extra string
	if req.JSONMode {
		extra = jsonInstruction
	}
	conv := req.Conversation(extra)
	msgs := make([]anyllmlib.Message, len(conv))
	for i, m := range conv {
		msgs[i] = anyllmlib.Message{Role: m.Role, Content: m.Content}
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

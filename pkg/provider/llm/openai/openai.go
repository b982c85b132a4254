// Package openai scores through the OpenAI chat completions API, using the
// native response_format switch for JSON mode.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/kokoro/pkg/provider/llm"
)

// Option configures a [Provider].
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithBaseURL(url)) }
}

// WithMaxRetries sets the SDK retry budget.
func WithMaxRetries(n int) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithMaxRetries(n)) }
}

// WithHTTPClient replaces the transport, e.g. to set a timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithHTTPClient(c)) }
}

// Provider implements [llm.Provider].
type Provider struct {
	client oai.Client
	model  shared.ChatModel
}

var _ llm.Provider = (*Provider)(nil)

// New returns a provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	var errs []error
	if apiKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: shared.ChatModel(model)}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w", llm.ErrEmptyResponse)
	}
	return &llm.CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) oai.ChatCompletionNewParams {
	conv := req.Conversation("")
	msgs := make([]oai.ChatCompletionMessageParamUnion, len(conv))
	for i, m := range conv {
		switch m.Role {
		case llm.RoleSystem:
			msgs[i] = oai.SystemMessage(m.Content)
		case llm.RoleAssistant:
			msgs[i] = oai.AssistantMessage(m.Content)
		default:
			msgs[i] = oai.UserMessage(m.Content)
		}
	}

	params := oai.ChatCompletionNewParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.JSONMode {
		params.ResponseFormat.OfJSONObject = &shared.ResponseFormatJSONObjectParam{}
	}
	return params
}

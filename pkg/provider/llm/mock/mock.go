// Package mock provides a scripted llm.Provider.
//
//	p := mock.Text(`{"score": 80}`)
//	p := mock.Failing(errors.New("429"))
//	p := &mock.Provider{Replies: []mock.Reply{{Err: errors.New("429")}, {Content: "{}"}}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kokoro/pkg/provider/llm"
)

// Reply is one scripted answer.
type Reply struct {
	Content      string
	FinishReason string
	Err          error
}

// Provider answers with Replies in order; the last reply repeats once the
// script is exhausted. An empty script answers "" with finish reason "stop".
type Provider struct {
	mu sync.Mutex

	Replies []Reply

	// Requests records every request in call order.
	Requests []llm.CompletionRequest

	// Block, if set, is waited on before answering. Closing it releases all
	// callers; a cancelled ctx returns ctx.Err().
	Block chan struct{}
}

// Text returns a provider that always replies with content.
func Text(content string) *Provider {
	return &Provider{Replies: []Reply{{Content: content}}}
}

// Failing returns a provider whose every call fails with err.
func Failing(err error) *Provider {
	return &Provider{Replies: []Reply{{Err: err}}}
}

// Complete records req and returns the next scripted reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.Requests)
	p.Requests = append(p.Requests, req)
	block := p.Block
	r := Reply{FinishReason: "stop"}
	if len(p.Replies) > 0 {
		r = p.Replies[min(n, len(p.Replies)-1)]
	}
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	finish := r.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &llm.CompletionResponse{Content: r.Content, FinishReason: finish}, nil
}

// CallCount returns the number of Complete calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// Request returns the i-th recorded request.
func (p *Provider) Request(i int) llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Requests[i]
}

var _ llm.Provider = (*Provider)(nil)

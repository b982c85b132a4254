// Package mock provides a test double for credential.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kokoro/internal/credential"
)

// Provider is a mock credential.Provider that records every call.
type Provider struct {
	mu sync.Mutex

	// Tok is returned by Token when Err is nil.
	Tok credential.Token

	// Err, if non-nil, is returned from Token.
	Err error

	// Block, if non-nil, is waited on before Token returns. Closing it
	// releases all pending calls; a cancelled context returns ctx.Err().
	Block chan struct{}

	calls int
}

// Token records the call and returns Tok, Err.
func (p *Provider) Token(ctx context.Context) (credential.Token, error) {
	p.mu.Lock()
	p.calls++
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return credential.Token{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Tok, p.Err
}

// Calls returns the number of Token calls. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ credential.Provider = (*Provider)(nil)

// Package mock provides a test double for analysis.Scorer.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kokoro/internal/analysis"
)

// Call records one RequestReport invocation.
type Call struct {
	Log     string
	Context analysis.SessionContext
}

// Scorer is a mock analysis.Scorer.
type Scorer struct {
	mu sync.Mutex

	// Report is returned when Err is nil.
	Report analysis.Report

	// Err, if non-nil, is returned from RequestReport.
	Err error

	// Block, if non-nil, is waited on before RequestReport returns.
	Block chan struct{}

	calls []Call
}

// RequestReport records the call and returns Report, Err.
func (s *Scorer) RequestReport(ctx context.Context, log string, sc analysis.SessionContext) (analysis.Report, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Log: log, Context: sc})
	block := s.Block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return analysis.Report{}, &analysis.ReportUnavailableError{Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Report, s.Err
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (s *Scorer) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

var _ analysis.Scorer = (*Scorer)(nil)

package resilience

import (
	"context"

	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across backends, each
// behind its own circuit breaker.
type LLMFallback struct {
	group   *FallbackGroup[llm.Provider]
	metrics *observe.Metrics
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a failover provider preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// SetMetrics records per-backend request outcomes on m.
func (f *LLMFallback) SetMetrics(m *observe.Metrics) { f.metrics = m }

// AddFallback registers another backend after those already present.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Health reports every backend's breaker state.
func (f *LLMFallback) Health() []EntryHealth { return f.group.Health() }

// Healthy reports whether any backend would admit a call.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

// Complete sends req to the first backend that answers.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, name string, p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		status := "ok"
		if err != nil {
			status = "error"
			f.metrics.RecordProviderError(ctx, name, "llm")
		}
		f.metrics.RecordProviderRequest(ctx, name, "llm", status)
		return resp, err
	})
}

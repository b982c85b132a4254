package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig is the template for the breaker created per entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryHealth is a point-in-time view of one entry.
type EntryHealth struct {
	Name  string
	State State
}

// FallbackGroup holds a primary and optional fallbacks of the same type and
// tries them in registration order.
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	entries []fallbackEntry[T]
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry with its own breaker.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.mu.Lock()
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: value, breaker: NewCircuitBreaker(cbCfg)})
	fg.mu.Unlock()
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return len(fg.entries)
}

// Health reports every entry's breaker state in order.
func (fg *FallbackGroup[T]) Health() []EntryHealth {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make([]EntryHealth, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = EntryHealth{Name: e.name, State: e.breaker.State()}
	}
	return out
}

// Healthy reports whether at least one entry would currently admit a call.
func (fg *FallbackGroup[T]) Healthy() bool {
	for _, h := range fg.Health() {
		if h.State != StateOpen {
			return true
		}
	}
	return false
}

func (fg *FallbackGroup[T]) snapshot() []fallbackEntry[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return append([]fallbackEntry[T](nil), fg.entries...)
}

// Execute calls fn on each entry in order until one succeeds. It stops early
// when ctx is done. The returned error wraps [ErrAllFailed] and every
// backend error.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, string, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, name string, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, name, v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
// It is a function because methods cannot declare type parameters.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, string, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, entry := range fg.snapshot() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var result R
		err := entry.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			result, callErr = fn(ctx, entry.name, entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

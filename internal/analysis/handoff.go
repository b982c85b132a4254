package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/internal/transcript"
)

// DefaultMinMessages is the smallest number of visible messages that is
// worth scoring. It counts user and assistant messages that are not hidden
// and have text, as [VisibleMessages] returns them, not store entries:
// breadcrumbs and empty turns do not count. Shorter conversations are
// ignored.
const DefaultMinMessages = 3

// DefaultTimeout bounds a single report request.
const DefaultTimeout = 60 * time.Second

// State is the handoff state.
type State int

const (
	StateIdle State = iota
	StateAnalyzing
	StateReportReady
	StateFailed
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAnalyzing:
		return "ANALYZING"
	case StateReportReady:
		return "REPORT_READY"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handoff drives IDLE → ANALYZING → {REPORT_READY | FAILED}. [Handoff.Reset]
// returns to IDLE and makes any in-flight request's result ignorable.
//
// All methods are safe for concurrent use.
type Handoff struct {
	scorer      Scorer
	minMessages int
	timeout     time.Duration
	metrics     *observe.Metrics
	onChange    func(State)

	mu     sync.Mutex
	gen    uint64
	state  State
	report Report
	err    error
	done   chan struct{}
}

// HandoffOption configures a [Handoff].
type HandoffOption func(*Handoff)

// WithMinMessages sets the minimum number of visible messages.
func WithMinMessages(n int) HandoffOption {
	return func(h *Handoff) {
		if n > 0 {
			h.minMessages = n
		}
	}
}

// WithTimeout bounds each report request. Zero disables the bound.
func WithTimeout(d time.Duration) HandoffOption {
	return func(h *Handoff) { h.timeout = d }
}

// WithMetrics records analysis outcomes and latency.
func WithMetrics(m *observe.Metrics) HandoffOption {
	return func(h *Handoff) { h.metrics = m }
}

// WithOnChange registers a callback invoked after every state change. It runs
// outside the handoff's lock.
func WithOnChange(fn func(State)) HandoffOption {
	return func(h *Handoff) { h.onChange = fn }
}

// NewHandoff returns an idle handoff using scorer.
func NewHandoff(scorer Scorer, opts ...HandoffOption) *Handoff {
	h := &Handoff{
		scorer:      scorer,
		minMessages: DefaultMinMessages,
		timeout:     DefaultTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Eligible reports whether entries hold enough visible messages to score.
func (h *Handoff) Eligible(entries []transcript.Entry) bool {
	return len(VisibleMessages(entries)) >= h.minMessages
}

// Start begins an analysis in the background and reports whether one was
// started. It returns false when entries are below the threshold or when an
// analysis is already running.
func (h *Handoff) Start(ctx context.Context, entries []transcript.Entry, sc SessionContext) bool {
	gen, ok := h.begin(entries)
	if !ok {
		return false
	}
	go h.run(context.WithoutCancel(ctx), gen, entries, sc)
	return true
}

// Run performs an analysis synchronously. It returns false when entries are
// below the threshold or an analysis is already running; otherwise it blocks
// until the outcome is recorded.
func (h *Handoff) Run(ctx context.Context, entries []transcript.Entry, sc SessionContext) bool {
	gen, ok := h.begin(entries)
	if !ok {
		return false
	}
	h.run(ctx, gen, entries, sc)
	return true
}

func (h *Handoff) begin(entries []transcript.Entry) (uint64, bool) {
	if !h.Eligible(entries) {
		slog.Debug("analysis skipped: conversation too short", "messages", len(VisibleMessages(entries)), "min", h.minMessages)
		return 0, false
	}
	h.mu.Lock()
	if h.state == StateAnalyzing {
		h.mu.Unlock()
		return 0, false
	}
	h.gen++
	gen := h.gen
	h.state = StateAnalyzing
	h.report = Report{}
	h.err = nil
	h.done = make(chan struct{})
	h.mu.Unlock()

	h.changed(StateAnalyzing)
	return gen, true
}

func (h *Handoff) run(ctx context.Context, gen uint64, entries []transcript.Entry, sc SessionContext) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	start := time.Now()
	report, err := h.scorer.RequestReport(ctx, BuildLog(entries), sc)
	if err != nil && !IsMalformed(err) && !IsUnavailable(err) {
		err = &ReportUnavailableError{Err: err}
	}

	outcome := "ready"
	switch {
	case IsMalformed(err):
		outcome = "malformed"
	case err != nil:
		outcome = "unavailable"
	}
	h.metrics.RecordAnalysis(ctx, outcome, time.Since(start))

	log := observe.Logger(ctx)
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		log.Debug("analysis result discarded after reset", "outcome", outcome)
		return
	}
	next := StateReportReady
	if err != nil {
		next = StateFailed
		h.err = err
	} else {
		h.report = report
	}
	h.state = next
	close(h.done)
	h.mu.Unlock()

	if err != nil {
		log.Warn("analysis failed", "err", err, "outcome", outcome)
	} else {
		log.Info("analysis ready", "score", report.Score)
	}
	h.changed(next)
}

// Reset returns to IDLE and discards any prior or in-flight result.
func (h *Handoff) Reset() {
	h.mu.Lock()
	h.gen++
	prev := h.state
	h.state = StateIdle
	h.report = Report{}
	h.err = nil
	if prev == StateAnalyzing && h.done != nil {
		close(h.done)
	}
	h.done = nil
	h.mu.Unlock()

	if prev != StateIdle {
		h.changed(StateIdle)
	}
}

// State returns the current state.
func (h *Handoff) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Report returns the report when the state is REPORT_READY.
func (h *Handoff) Report() (Report, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report, h.state == StateReportReady
}

// Err returns the failure when the state is FAILED.
func (h *Handoff) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the running analysis finishes or is reset, or ctx is
// done. It returns the state at that point.
func (h *Handoff) Wait(ctx context.Context) State {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return h.State()
}

func (h *Handoff) changed(s State) {
	if h.onChange != nil {
		h.onChange(s)
	}
}

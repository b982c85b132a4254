// Package session owns the lifecycle of one live conversation.
//
// A [Controller] drives DISCONNECTED → CONNECTING → CONNECTED and back. It
// acquires exactly one credential per connect attempt, holds at most one
// realtime transport at a time, feeds the transport's events through a
// [normalize.Normalizer] into the conversation's [transcript.Store], and hands
// the finished transcript to an [analysis.Handoff] when the conversation ends.
//
// Every connect attempt gets a new generation number. Disconnect bumps the
// generation, so an in-flight connect or a late provider event from a torn
// down transport can tell that it is stale and drop itself.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/kokoro/internal/analysis"
	"github.com/MrWong99/kokoro/internal/credential"
	"github.com/MrWong99/kokoro/internal/normalize"
	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/internal/transcript"
	"github.com/MrWong99/kokoro/internal/turntaking"
	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

var (
	// ErrActive is returned by Connect while another attempt is connecting or
	// connected. The active session is left untouched.
	ErrActive = errors.New("session: already connecting or connected")

	// ErrNotConnected is returned by operations that need a live transport.
	ErrNotConnected = errors.New("session: not connected")

	// ErrSuperseded is returned by Connect when Disconnect ran while the
	// attempt was still in progress.
	ErrSuperseded = errors.New("session: connect superseded by disconnect")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: controller closed")

	// ErrNoScorer is reported by the analysis handoff when no scorer was
	// configured.
	ErrNoScorer = errors.New("session: no scorer configured")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Agent describes the conversation partner for one connection.
type Agent struct {
	// Name is shown in the connect breadcrumb ("Agent: <Name>").
	Name string

	Model              string
	Voice              string
	Instructions       string
	TranscriptionModel string

	// Context is handed to the scorer with the finished transcript.
	Context analysis.SessionContext
}

// Option configures a [Controller].
type Option func(*Controller)

// WithStore uses store instead of a fresh one. The controller resets it on
// every successful connect.
func WithStore(store *transcript.Store) Option {
	return func(c *Controller) {
		if store != nil {
			c.store = store
		}
	}
}

// WithHandoff uses h for post-session analysis.
func WithHandoff(h *analysis.Handoff) Option {
	return func(c *Controller) {
		if h != nil {
			c.handoff = h
		}
	}
}

// WithTurnTaking sets the initial turn-taking mode. The default is
// [turntaking.DefaultAutomatic].
func WithTurnTaking(m turntaking.Mode) Option {
	return func(c *Controller) { c.policy = turntaking.NewPolicy(m) }
}

// WithMetrics records connect outcomes and transport events.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithOnStateChange registers a callback invoked after every state change.
// It runs outside the controller's lock.
func WithOnStateChange(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// Controller is the session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	provider realtime.Provider
	store    *transcript.Store
	handoff  *analysis.Handoff
	metrics  *observe.Metrics
	onState  func(State)

	// gen is read without mu by normalizer guards. It only changes while
	// applyMu is held, so a guarded store write never interleaves with a
	// generation change.
	gen     atomic.Uint64
	applyMu sync.Mutex

	mu        sync.Mutex
	state     State
	transport realtime.Transport
	cancel    context.CancelFunc
	policy    *turntaking.Policy
	muted     bool
	agent     Agent
	closed    bool

	wg sync.WaitGroup
}

// New returns a disconnected controller that builds transports with provider.
func New(provider realtime.Provider, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		store:    transcript.New(),
		policy:   turntaking.NewPolicy(turntaking.DefaultAutomatic()),
	}
	for _, o := range opts {
		o(c)
	}
	if c.handoff == nil {
		c.handoff = analysis.NewHandoff(analysis.ScorerFunc(func(context.Context, string, analysis.SessionContext) (analysis.Report, error) {
			return analysis.Report{}, &analysis.ReportUnavailableError{Err: ErrNoScorer}
		}), analysis.WithMetrics(c.metrics))
	}
	return c
}

// Transcript returns the conversation's store.
func (c *Controller) Transcript() *transcript.Store { return c.store }

// Analysis returns the post-session analysis handoff.
func (c *Controller) Analysis() *analysis.Handoff { return c.handoff }

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the state is CONNECTED.
func (c *Controller) IsConnected() bool { return c.State() == StateConnected }

// IsMuted reports whether assistant audio is gated.
func (c *Controller) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Mode returns the current turn-taking mode.
func (c *Controller) Mode() turntaking.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.Mode()
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Connect opens a conversation with agent. It fetches one credential from
// creds, builds a transport bound to sink, and performs the handshake.
//
// Any failure leaves the controller DISCONNECTED with no transport retained.
// A call while another attempt is connecting or connected returns [ErrActive]
// and changes nothing.
func (c *Controller) Connect(ctx context.Context, creds credential.Provider, agent Agent, sink realtime.AudioSink) error {
	if sink == nil {
		sink = realtime.Discard
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrActive
	}
	gen := c.bumpGen()
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	c.agent = agent
	opts := realtime.SessionOptions{
		Model:              agent.Model,
		Voice:              agent.Voice,
		Instructions:       agent.Instructions,
		TranscriptionModel: agent.TranscriptionModel,
		TurnDetection:      c.policy.Mode().TurnDetection(),
	}
	c.mu.Unlock()
	c.changed(StateConnecting)

	c.handoff.Reset()

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()
	log := observe.Logger(ctx).With("generation", gen)

	tok, err := creds.Token(ctx)
	if err != nil {
		return c.fail(ctx, gen, start, "credential_error", fmt.Errorf("session: credential: %w", err))
	}

	tr, err := c.provider.NewTransport(sink, opts)
	if err != nil {
		return c.fail(ctx, gen, start, "transport_error", fmt.Errorf("session: new transport: %w", err))
	}

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		_ = tr.Close()
		return ErrSuperseded
	}
	c.transport = tr
	c.mu.Unlock()

	if err := tr.Connect(ctx, tok.Value); err != nil {
		return c.fail(ctx, gen, start, "transport_error", fmt.Errorf("session: connect: %w", err))
	}

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		_ = tr.Close()
		return ErrSuperseded
	}
	c.state = StateConnected
	muted := c.muted
	c.applyMu.Lock()
	c.store.Reset()
	c.store.AddBreadcrumb("Agent: " + agent.Name)
	c.applyMu.Unlock()
	c.wg.Add(1)
	c.mu.Unlock()

	tr.Mute(muted)
	go c.pump(context.WithoutCancel(ctx), gen, tr)

	c.metrics.RecordConnect(ctx, "ok", time.Since(start))
	c.metrics.SessionStarted(ctx)
	log.Info("session connected", "agent", agent.Name, "mode", c.Mode().String(), "duration", time.Since(start))
	c.changed(StateConnected)
	return nil
}

// fail tears down attempt gen after an error. If a Disconnect already
// superseded the attempt, only the transport built for it is closed.
func (c *Controller) fail(ctx context.Context, gen uint64, start time.Time, outcome string, err error) error {
	c.mu.Lock()
	current := c.gen.Load() == gen
	var tr realtime.Transport
	if current {
		tr = c.transport
		c.transport = nil
		c.cancel = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}

	c.metrics.RecordConnect(ctx, outcome, time.Since(start))
	if !current {
		return ErrSuperseded
	}
	observe.RecordError(ctx, err)
	observe.Logger(ctx).Error("session connect failed", "outcome", outcome, "err", err)
	c.changed(StateDisconnected)
	return err
}

// Disconnect tears the transport down and returns to DISCONNECTED. It is
// idempotent and cancels an in-flight Connect. When a connected session ends
// with enough conversation, analysis starts in the background.
func (c *Controller) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateDisconnected && c.transport == nil {
		c.muted = false
		c.mu.Unlock()
		return
	}
	c.endLocked(ctx, "disconnect")
}

// endLocked moves to DISCONNECTED. The caller must hold c.mu; endLocked
// releases it.
func (c *Controller) endLocked(ctx context.Context, reason string) {
	wasConnected := c.state == StateConnected
	c.bumpGen()
	tr := c.transport
	cancel := c.cancel
	c.transport = nil
	c.cancel = nil
	c.state = StateDisconnected
	c.muted = false
	c.policy.Abandon()
	sc := c.agent.Context
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		if err := tr.Close(); err != nil {
			slog.Warn("session: close transport", "err", err)
		}
	}
	if wasConnected {
		c.metrics.SessionEnded(ctx)
		if c.handoff.Start(ctx, c.store.Chronological(), sc) {
			slog.Info("session analysis started", "reason", reason)
		}
	}
	slog.Info("session disconnected", "reason", reason, "was_connected", wasConnected)
	c.changed(StateDisconnected)
}

// Close disconnects and waits for background work to stop. The controller
// cannot be reused afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect(context.Background())
	c.wg.Wait()
	return nil
}

// pump applies the events of transport gen until its channel closes.
func (c *Controller) pump(ctx context.Context, gen uint64, tr realtime.Transport) {
	defer c.wg.Done()

	n := normalize.New(c.store, func() bool { return c.gen.Load() == gen }, normalize.WithMetrics(c.metrics))
	for ev := range tr.Events() {
		c.metrics.RecordTransportEvent(ctx, ev.EventType())
		if e, ok := ev.(realtime.ErrorEvent); ok {
			slog.Warn("session: provider error", "code", e.Code, "message", e.Message)
			continue
		}
		c.applyMu.Lock()
		n.Apply(ctx, ev)
		c.applyMu.Unlock()
	}

	err := tr.Err()
	if err == nil {
		return
	}
	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	slog.Error("session transport failed", "err", err, "generation", gen)
	c.endLocked(ctx, "transport_error")
}

func (c *Controller) bumpGen() uint64 {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.gen.Add(1)
}

func (c *Controller) changed(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}

// ── Live controls ────────────────────────────────────────────────────────────

// live returns the connected transport, or nil.
func (c *Controller) live() realtime.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.transport
}

// SetMuted gates assistant audio. It may be called in any state; while
// disconnected the value is applied when the next connection opens.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	var tr realtime.Transport
	if c.state == StateConnected {
		tr = c.transport
	}
	c.mu.Unlock()
	if tr != nil {
		tr.Mute(muted)
	}
}

// Interrupt stops the assistant's current utterance. It is a no-op unless
// connected.
func (c *Controller) Interrupt(ctx context.Context) error {
	tr := c.live()
	if tr == nil {
		return nil
	}
	if err := tr.Interrupt(ctx); err != nil {
		return fmt.Errorf("session: interrupt: %w", err)
	}
	return nil
}

// UpdateTurnTaking switches the turn-taking discipline. While disconnected it
// sends nothing and stores the mode, which the next Connect applies. While
// connected the configuration is also pushed to the transport without
// touching the audio channel. A provider that cannot switch mid-session
// returns an error wrapping [realtime.ErrUnsupported]; the stored mode still
// takes effect on reconnect.
func (c *Controller) UpdateTurnTaking(ctx context.Context, m turntaking.Mode) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("session: turn taking: %w", err)
	}
	c.mu.Lock()
	ev := c.policy.SetMode(m)
	var tr realtime.Transport
	if c.state == StateConnected {
		tr = c.transport
	}
	c.mu.Unlock()

	if tr == nil {
		return nil
	}
	if err := tr.SendEvent(ctx, ev); err != nil {
		return fmt.Errorf("session: push turn taking: %w", err)
	}
	slog.Info("turn taking updated", "mode", m.String())
	return nil
}

// BeginUtterance opens a push-to-talk utterance. It barges in on the
// assistant first. It fails with [turntaking.ErrNotManual] in automatic mode.
func (c *Controller) BeginUtterance(ctx context.Context) error {
	if c.live() == nil {
		return ErrNotConnected
	}
	if c.Mode().Kind != turntaking.KindManual {
		return turntaking.ErrNotManual
	}
	if err := c.Interrupt(ctx); err != nil {
		slog.Warn("session: barge-in failed", "err", err)
	}

	c.mu.Lock()
	events, err := c.policy.Begin()
	tr := c.transport
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.send(ctx, tr, events)
}

// EndUtterance commits the open push-to-talk utterance and asks for a
// response. Without an open utterance it does nothing.
func (c *Controller) EndUtterance(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	events := c.policy.End()
	tr := c.transport
	c.mu.Unlock()
	return c.send(ctx, tr, events)
}

// SendText adds a typed user turn and asks for a response. The turn appears
// in the transcript immediately; the provider's echo of the same item id is
// ignored as a duplicate.
func (c *Controller) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.live() == nil {
		return ErrNotConnected
	}
	if err := c.Interrupt(ctx); err != nil {
		slog.Warn("session: barge-in failed", "err", err)
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	c.mu.Lock()
	tr := c.transport
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.applyMu.Lock()
	c.store.Create(id, transcript.RoleUser, text)
	c.applyMu.Unlock()
	c.mu.Unlock()

	return c.send(ctx, tr, []realtime.ClientEvent{
		realtime.UserMessage{ItemID: id, Text: text},
		realtime.ResponseCreate{},
	})
}

// SendAudio forwards a chunk of PCM16 microphone audio.
func (c *Controller) SendAudio(ctx context.Context, pcm []byte) error {
	tr := c.live()
	if tr == nil {
		return ErrNotConnected
	}
	if err := tr.SendAudio(ctx, pcm); err != nil {
		return fmt.Errorf("session: send audio: %w", err)
	}
	return nil
}

func (c *Controller) send(ctx context.Context, tr realtime.Transport, events []realtime.ClientEvent) error {
	if tr == nil {
		return nil
	}
	for _, ev := range events {
		if err := tr.SendEvent(ctx, ev); err != nil {
			return fmt.Errorf("session: send %s: %w", ev.ClientEventType(), err)
		}
	}
	return nil
}

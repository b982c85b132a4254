// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to observe transport construction and hand out controlled
// Transports. Use Transport to inject provider events via Emit and to inspect
// which control messages a caller sent.
//
// Example:
//
//	tr := mock.NewTransport()
//	p := &mock.Provider{Transport: tr}
//	// ... connect through code under test ...
//	tr.Emit(realtime.ItemCreated{ItemID: "1", ItemType: "message", Role: "user"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

// NewTransportCall records a single invocation of Provider.NewTransport.
type NewTransportCall struct {
	Sink realtime.AudioSink
	Opts realtime.SessionOptions
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Transport is returned by NewTransport. If nil, each call returns a fresh
	// Transport from NewTransport.
	Transport *Transport

	// NewTransportErr, if non-nil, is returned from NewTransport.
	NewTransportErr error

	// Calls records every NewTransport invocation in order.
	Calls []NewTransportCall

	// Created holds every transport handed out, in order.
	Created []*Transport
}

// NewTransport records the call and returns Transport, NewTransportErr.
func (p *Provider) NewTransport(sink realtime.AudioSink, opts realtime.SessionOptions) (realtime.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, NewTransportCall{Sink: sink, Opts: opts})
	if p.NewTransportErr != nil {
		return nil, p.NewTransportErr
	}
	tr := p.Transport
	if tr == nil {
		tr = NewTransport()
	}
	tr.mu.Lock()
	tr.sink = sink
	tr.mu.Unlock()
	p.Created = append(p.Created, tr)
	return tr, nil
}

// CallCount returns the number of NewTransport calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Last returns the most recently created transport, or nil.
func (p *Provider) Last() *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Created) == 0 {
		return nil
	}
	return p.Created[len(p.Created)-1]
}

var _ realtime.Provider = (*Provider)(nil)

// Transport is a mock implementation of realtime.Transport. Events injected
// with Emit are delivered on the Events channel.
type Transport struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// SendErr, if non-nil, is returned from SendEvent and SendAudio.
	SendErr error

	// InterruptErr, if non-nil, is returned from Interrupt.
	InterruptErr error

	// BeforeConnect, if set, runs at the start of Connect. Tests use it to
	// block the handshake or to race it against Disconnect.
	BeforeConnect func(ctx context.Context)

	// ConnectTokens records the token passed to every Connect call.
	ConnectTokens []string

	// Sent records every client event in order.
	Sent []realtime.ClientEvent

	// Audio records every SendAudio chunk.
	Audio [][]byte

	// MuteCalls records every Mute argument in order.
	MuteCalls []bool

	// InterruptCallCount is the number of Interrupt calls.
	InterruptCallCount int

	// CloseCallCount is the number of Close calls.
	CloseCallCount int

	sink      realtime.AudioSink
	events    chan realtime.Event
	errVal    error
	closed    bool
	closeOnce sync.Once
}

// NewTransport returns a Transport with a buffered event channel.
func NewTransport() *Transport {
	return &Transport{events: make(chan realtime.Event, 64)}
}

// Connect records the token and returns ConnectErr.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	before := t.BeforeConnect
	t.mu.Unlock()
	if before != nil {
		before(ctx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ConnectTokens = append(t.ConnectTokens, token)
	return t.ConnectErr
}

// SendEvent records ev and returns SendErr.
func (t *Transport) SendEvent(_ context.Context, ev realtime.ClientEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return realtime.ErrClosed
	}
	t.Sent = append(t.Sent, ev)
	return t.SendErr
}

// SendAudio records a copy of pcm and returns SendErr.
func (t *Transport) SendAudio(_ context.Context, pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return realtime.ErrClosed
	}
	t.Audio = append(t.Audio, append([]byte(nil), pcm...))
	return t.SendErr
}

// Mute records the call.
func (t *Transport) Mute(muted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.MuteCalls = append(t.MuteCalls, muted)
}

// Interrupt records the call and returns InterruptErr.
func (t *Transport) Interrupt(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.InterruptCallCount++
	return t.InterruptErr
}

// Events returns the event channel.
func (t *Transport) Events() <-chan realtime.Event { return t.events }

// Err returns the error set with Fail.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errVal
}

// Close records the call and closes the event channel. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.CloseCallCount++
	t.closed = true
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.events) })
	return nil
}

// Emit delivers ev on the Events channel. It is a no-op after Close.
func (t *Transport) Emit(ev realtime.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- ev
}

// Fail simulates a runtime transport failure: Err starts returning err and the
// event channel is closed.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	t.errVal = err
	t.closed = true
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.events) })
}

// WriteAudio pushes pcm through the sink the transport was created with.
func (t *Transport) WriteAudio(pcm []byte) error {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.WriteAudio(pcm)
}

// SentEvents returns a copy of the recorded client events. Thread-safe.
func (t *Transport) SentEvents() []realtime.ClientEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]realtime.ClientEvent(nil), t.Sent...)
}

// ClearSent drops the recorded client events.
func (t *Transport) ClearSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Sent = nil
}

// Interrupts returns InterruptCallCount. Thread-safe.
func (t *Transport) Interrupts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.InterruptCallCount
}

// Closes returns CloseCallCount. Thread-safe.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CloseCallCount
}

// Mutes returns a copy of MuteCalls. Thread-safe.
func (t *Transport) Mutes() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.MuteCalls...)
}

var _ realtime.Transport = (*Transport)(nil)

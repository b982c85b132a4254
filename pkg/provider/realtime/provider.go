// Package realtime defines the transport abstraction for a live, streaming
// conversation with a voice model.
//
// A Transport carries bidirectional audio and structured events for exactly one
// conversation. Outgoing control messages are expressed as [ClientEvent]
// values; incoming provider events are decoded into the closed [Event] set.
// Anything a provider sends that the decoder does not recognise surfaces as
// [Unknown] and is safe to ignore.
//
// Transports are created per connect attempt by a [Provider], bound to an
// [AudioSink] that receives synthesised speech. All implementations must be
// safe for concurrent use.
package realtime

import (
	"context"
	"errors"
)

// ErrClosed is returned by Transport methods after Close has been called.
var ErrClosed = errors.New("realtime: transport closed")

// ErrNotConnected is returned when a Transport method requires a live
// connection but Connect has not succeeded yet.
var ErrNotConnected = errors.New("realtime: transport not connected")

// ErrUnsupported is returned for a control message the provider's protocol
// cannot express on a live session.
var ErrUnsupported = errors.New("realtime: not supported by provider")

// TransportError reports a handshake or runtime failure of the underlying
// connection. It always ends the session.
type TransportError struct {
	// Op names the failing step ("dial", "read", "write", ...).
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	return "realtime: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// AudioSink receives raw PCM16 audio synthesised by the model. Transports call
// WriteAudio from their receive goroutine; implementations must return quickly.
type AudioSink interface {
	WriteAudio(pcm []byte) error
}

// AudioSinkFunc adapts a plain function to [AudioSink].
type AudioSinkFunc func(pcm []byte) error

// WriteAudio calls f(pcm).
func (f AudioSinkFunc) WriteAudio(pcm []byte) error { return f(pcm) }

// Discard is an AudioSink that drops every chunk.
var Discard AudioSink = AudioSinkFunc(func([]byte) error { return nil })

// TurnDetection is the provider-side voice activity configuration. A nil
// *TurnDetection in a session update selects manual turn-taking.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

// SessionOptions is the initial configuration for a transport.
type SessionOptions struct {
	// Model overrides the provider's default realtime model.
	Model string

	// Voice selects the synthesised voice (e.g. "alloy", "verse").
	Voice string

	// Instructions is the system-level prompt for the conversation partner.
	Instructions string

	// TranscriptionModel enables transcription of the user's audio input.
	// Empty disables input transcription.
	TranscriptionModel string

	// TurnDetection is the turn-taking configuration applied at connect time.
	// Nil selects manual turn-taking.
	TurnDetection *TurnDetection
}

// Transport is one live conversation channel. Callers must call Close when the
// conversation ends; Close is idempotent.
type Transport interface {
	// Connect performs the handshake using a short-lived credential and applies
	// the SessionOptions the transport was created with. A failed handshake
	// returns a *TransportError.
	Connect(ctx context.Context, token string) error

	// SendEvent writes a control message to the provider.
	SendEvent(ctx context.Context, ev ClientEvent) error

	// SendAudio appends a chunk of PCM16 microphone audio to the provider's
	// input buffer.
	SendAudio(ctx context.Context, pcm []byte) error

	// Mute gates delivery of synthesised audio to the AudioSink. Audio that
	// arrives while muted is dropped.
	Mute(muted bool)

	// Interrupt stops the in-progress assistant response and discards any of
	// its audio that is still arriving.
	Interrupt(ctx context.Context) error

	// Events returns the stream of decoded provider events. The channel is
	// closed when the transport shuts down; check Err afterwards.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil after a clean Close.
	Err() error

	// Close tears the connection down and closes the Events channel.
	Close() error
}

// Provider constructs transports. Implementations hold long-lived settings
// (endpoint, default model) but no connection state.
type Provider interface {
	NewTransport(sink AudioSink, opts SessionOptions) (Transport, error)
}

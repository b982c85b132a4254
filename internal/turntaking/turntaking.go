// Package turntaking models the two mutually exclusive disciplines that decide
// when a user's utterance is complete.
//
// In MANUAL mode the client brackets each utterance (push-to-talk): opening
// an utterance clears the provider's input buffer, closing it commits the
// buffer and requests a response. In AUTOMATIC mode the provider detects
// speech boundaries itself and answers without client involvement.
//
// Switching modes is a configuration push to the live transport, never a
// reconnect. A [Policy] guarantees that manual commit signals are never
// produced while AUTOMATIC is active.
package turntaking

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

// Defaults for AUTOMATIC mode.
const (
	DefaultThreshold     = 0.9
	DefaultPrefixPadding = 300 * time.Millisecond
	DefaultSilence       = 500 * time.Millisecond
)

// ErrNotManual is returned when utterance bracketing is requested while the
// policy is in AUTOMATIC mode.
var ErrNotManual = errors.New("turntaking: utterance control requires manual mode")

// Kind selects the discipline.
type Kind int

const (
	KindManual Kind = iota
	KindAutomatic
)

// String returns the lower-case name used in config and logs.
func (k Kind) String() string {
	switch k {
	case KindManual:
		return "manual"
	case KindAutomatic:
		return "automatic"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses "manual" or "automatic".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "manual", "ptt":
		return KindManual, nil
	case "automatic", "vad":
		return KindAutomatic, nil
	}
	return 0, fmt.Errorf("turntaking: unknown mode %q; valid values: manual, automatic", s)
}

// Mode is a complete turn-taking configuration. The zero value is MANUAL.
type Mode struct {
	Kind Kind

	// Threshold is the voice activity threshold in [0, 1]. AUTOMATIC only.
	Threshold float64

	// PrefixPadding is the audio kept from before detected speech onset.
	// AUTOMATIC only.
	PrefixPadding time.Duration

	// Silence is the trailing silence that ends an utterance. AUTOMATIC only.
	Silence time.Duration
}

// Manual returns the push-to-talk mode.
func Manual() Mode { return Mode{Kind: KindManual} }

// Automatic returns a voice-activity mode with the given parameters.
func Automatic(threshold float64, prefixPadding, silence time.Duration) Mode {
	return Mode{Kind: KindAutomatic, Threshold: threshold, PrefixPadding: prefixPadding, Silence: silence}
}

// DefaultAutomatic returns AUTOMATIC with the default parameters.
func DefaultAutomatic() Mode {
	return Automatic(DefaultThreshold, DefaultPrefixPadding, DefaultSilence)
}

// IsManual reports whether m is MANUAL.
func (m Mode) IsManual() bool { return m.Kind == KindManual }

// Validate checks the AUTOMATIC parameters.
func (m Mode) Validate() error {
	switch m.Kind {
	case KindManual:
		return nil
	case KindAutomatic:
	default:
		return fmt.Errorf("turntaking: invalid kind %d", int(m.Kind))
	}
	var errs []error
	if m.Threshold < 0 || m.Threshold > 1 {
		errs = append(errs, fmt.Errorf("turntaking: threshold %.2f is out of range [0, 1]", m.Threshold))
	}
	if m.PrefixPadding < 0 {
		errs = append(errs, fmt.Errorf("turntaking: prefix padding %s must not be negative", m.PrefixPadding))
	}
	if m.Silence < 0 {
		errs = append(errs, fmt.Errorf("turntaking: silence %s must not be negative", m.Silence))
	}
	return errors.Join(errs...)
}

// TurnDetection returns the provider configuration for m; nil for MANUAL.
func (m Mode) TurnDetection() *realtime.TurnDetection {
	if m.IsManual() {
		return nil
	}
	return &realtime.TurnDetection{
		Type:              "server_vad",
		Threshold:         m.Threshold,
		PrefixPaddingMs:   int(m.PrefixPadding / time.Millisecond),
		SilenceDurationMs: int(m.Silence / time.Millisecond),
		CreateResponse:    true,
	}
}

// ConfigEvent returns the configuration push message selecting m.
func (m Mode) ConfigEvent() realtime.SessionUpdate {
	return realtime.SessionUpdate{TurnDetection: m.TurnDetection()}
}

func (m Mode) String() string {
	if m.IsManual() {
		return "manual"
	}
	return fmt.Sprintf("automatic(threshold=%.2f, prefix=%s, silence=%s)", m.Threshold, m.PrefixPadding, m.Silence)
}

// Policy tracks the active mode and whether a manual utterance is open.
// Policy is not safe for concurrent use; the session controller serialises
// access to it.
type Policy struct {
	mode Mode
	open bool
}

// NewPolicy returns a Policy starting in m.
func NewPolicy(m Mode) *Policy {
	return &Policy{mode: m}
}

// Mode returns the active mode.
func (p *Policy) Mode() Mode { return p.mode }

// Open reports whether a manual utterance is in progress.
func (p *Policy) Open() bool { return p.open }

// SetMode switches to m and returns the configuration push for the transport.
// Any open utterance is abandoned.
func (p *Policy) SetMode(m Mode) realtime.SessionUpdate {
	p.mode = m
	p.open = false
	return m.ConfigEvent()
}

// Begin opens a manual utterance and returns the control signals to emit.
// The caller interrupts the assistant before sending them.
func (p *Policy) Begin() ([]realtime.ClientEvent, error) {
	if !p.mode.IsManual() {
		return nil, ErrNotManual
	}
	p.open = true
	return []realtime.ClientEvent{realtime.InputAudioClear{}}, nil
}

// End closes the open manual utterance and returns the control signals to
// emit. It returns nil when no utterance is open or the mode is AUTOMATIC.
func (p *Policy) End() []realtime.ClientEvent {
	if !p.mode.IsManual() || !p.open {
		return nil
	}
	p.open = false
	return []realtime.ClientEvent{realtime.InputAudioCommit{}, realtime.ResponseCreate{}}
}

// Abandon drops any open utterance without emitting anything. Used when the
// session ends.
func (p *Policy) Abandon() { p.open = false }

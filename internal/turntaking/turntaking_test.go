package turntaking_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/kokoro/internal/turntaking"
	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

func TestDefaultAutomatic_TurnDetection(t *testing.T) {
	t.Parallel()

	td := turntaking.DefaultAutomatic().TurnDetection()
	if td == nil {
		t.Fatal("TurnDetection = nil")
	}
	want := realtime.TurnDetection{Type: "server_vad", Threshold: 0.9, PrefixPaddingMs: 300, SilenceDurationMs: 500, CreateResponse: true}
	if *td != want {
		t.Errorf("TurnDetection = %+v; want %+v", *td, want)
	}
	if turntaking.Manual().TurnDetection() != nil {
		t.Error("manual TurnDetection should be nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    turntaking.Mode
		wantErr bool
	}{
		{"manual", turntaking.Manual(), false},
		{"default automatic", turntaking.DefaultAutomatic(), false},
		{"threshold bounds inclusive", turntaking.Automatic(1, 0, 0), false},
		{"threshold too high", turntaking.Automatic(1.1, 0, 0), true},
		{"threshold negative", turntaking.Automatic(-0.1, 0, 0), true},
		{"negative silence", turntaking.Automatic(0.5, 0, -time.Millisecond), true},
		{"unknown kind", turntaking.Mode{Kind: 7}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.mode.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v; wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]turntaking.Kind{
		"manual": turntaking.KindManual, "ptt": turntaking.KindManual,
		"automatic": turntaking.KindAutomatic, "vad": turntaking.KindAutomatic,
	} {
		got, err := turntaking.ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := turntaking.ParseKind("sometimes"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestPolicy_ManualBracketing(t *testing.T) {
	t.Parallel()

	p := turntaking.NewPolicy(turntaking.Manual())

	if evs := p.End(); evs != nil {
		t.Fatalf("End without Begin = %v; want nil", evs)
	}

	evs, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("Begin events = %v", evs)
	}
	if _, ok := evs[0].(realtime.InputAudioClear); !ok {
		t.Errorf("Begin event = %T; want InputAudioClear", evs[0])
	}
	if !p.Open() {
		t.Error("utterance should be open")
	}

	evs = p.End()
	if len(evs) != 2 {
		t.Fatalf("End events = %v", evs)
	}
	if _, ok := evs[0].(realtime.InputAudioCommit); !ok {
		t.Errorf("End[0] = %T; want InputAudioCommit", evs[0])
	}
	if _, ok := evs[1].(realtime.ResponseCreate); !ok {
		t.Errorf("End[1] = %T; want ResponseCreate", evs[1])
	}
	if p.End() != nil {
		t.Error("second End should be a no-op")
	}
}

func TestPolicy_AutomaticNeverCommits(t *testing.T) {
	t.Parallel()

	p := turntaking.NewPolicy(turntaking.Manual())
	if _, err := p.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	update := p.SetMode(turntaking.DefaultAutomatic())
	if update.TurnDetection == nil {
		t.Fatal("switch to automatic should push turn detection")
	}
	if p.Open() {
		t.Error("switching modes should abandon the open utterance")
	}
	if evs := p.End(); evs != nil {
		t.Errorf("End in automatic = %v; want nil", evs)
	}
	if _, err := p.Begin(); !errors.Is(err, turntaking.ErrNotManual) {
		t.Errorf("Begin in automatic err = %v; want ErrNotManual", err)
	}

	if update := p.SetMode(turntaking.Manual()); update.TurnDetection != nil {
		t.Errorf("switch to manual pushed %+v; want null turn detection", update.TurnDetection)
	}
}

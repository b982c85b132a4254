package config_test

import (
	"testing"

	"github.com/MrWong99/kokoro/internal/config"
	"github.com/MrWong99/kokoro/internal/persona"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:     config.ServerConfig{LogLevel: config.LogInfo},
		TurnTaking: config.TurnTakingConfig{Mode: "automatic"},
		Characters: []persona.Archetype{
			{ID: "A", Name: "Alpha", Voice: "alloy", Instructions: "one"},
			{ID: "B", Name: "Beta", Voice: "echo", Instructions: "two"},
		},
	}
}

func TestCompare_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Compare(baseConfig(), baseConfig())
	if !d.IsEmpty() {
		t.Errorf("diff = %+v; want empty", d)
	}
}

func TestCompare_LogLevelAndTurnTaking(t *testing.T) {
	t.Parallel()

	next := baseConfig()
	next.Server.LogLevel = config.LogDebug
	next.TurnTaking.Mode = "manual"

	d := config.Compare(baseConfig(), next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.TurnTakingChanged || d.NewTurnTaking.Mode != "manual" {
		t.Errorf("turn taking diff = %v/%+v", d.TurnTakingChanged, d.NewTurnTaking)
	}
	if len(d.Characters) != 0 {
		t.Errorf("characters = %+v", d.Characters)
	}
}

func TestCompare_Characters(t *testing.T) {
	t.Parallel()

	next := baseConfig()
	next.Characters[0].Voice = "sage"
	next.Characters = append(next.Characters[:1], persona.Archetype{ID: "c", Name: "Gamma"})

	d := config.Compare(baseConfig(), next)
	want := []config.CharacterDiff{
		{ID: "A", VoiceChanged: true},
		{ID: "B", Removed: true},
		{ID: "C", Added: true},
	}
	if len(d.Characters) != len(want) {
		t.Fatalf("characters = %+v; want %+v", d.Characters, want)
	}
	for i := range want {
		if d.Characters[i] != want[i] {
			t.Errorf("characters[%d] = %+v; want %+v", i, d.Characters[i], want[i])
		}
	}
}

package config

import (
	"slices"
	"strings"

	"github.com/MrWong99/kokoro/internal/persona"
)

// Diff describes the hot-reloadable differences between two configs. Other
// sections need a restart and are not tracked.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TurnTakingChanged bool
	NewTurnTaking     TurnTakingConfig

	// Characters lists per-character changes sorted by ID.
	Characters []CharacterDiff
}

// IsEmpty reports whether nothing hot-reloadable changed.
func (d Diff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.TurnTakingChanged && len(d.Characters) == 0
}

// CharacterDiff describes what changed for one character ID.
type CharacterDiff struct {
	ID                  string
	Added               bool
	Removed             bool
	NameChanged         bool
	VoiceChanged        bool
	InstructionsChanged bool
}

// Compare returns what changed from old to new.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.TurnTaking != new.TurnTaking {
		d.TurnTakingChanged = true
		d.NewTurnTaking = new.TurnTaking
	}

	oldChars := characterIndex(old.Characters)
	newChars := characterIndex(new.Characters)
	for id, o := range oldChars {
		n, ok := newChars[id]
		if !ok {
			d.Characters = append(d.Characters, CharacterDiff{ID: id, Removed: true})
			continue
		}
		cd := CharacterDiff{
			ID:                  id,
			NameChanged:         o.Name != n.Name,
			VoiceChanged:        o.Voice != n.Voice,
			InstructionsChanged: o.Instructions != n.Instructions,
		}
		if cd.NameChanged || cd.VoiceChanged || cd.InstructionsChanged {
			d.Characters = append(d.Characters, cd)
		}
	}
	for id := range newChars {
		if _, ok := oldChars[id]; !ok {
			d.Characters = append(d.Characters, CharacterDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.Characters, func(a, b CharacterDiff) int { return strings.Compare(a.ID, b.ID) })
	return d
}

func characterIndex(chars []persona.Archetype) map[string]persona.Archetype {
	m := make(map[string]persona.Archetype, len(chars))
	for _, c := range chars {
		m[strings.ToUpper(strings.TrimSpace(c.ID))] = c
	}
	return m
}

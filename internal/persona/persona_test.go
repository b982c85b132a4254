package persona_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/kokoro/internal/persona"
)

func TestBuiltin(t *testing.T) {
	t.Parallel()

	c := persona.Builtin()
	if got := len(c.Archetypes()); got != 16 {
		t.Errorf("archetypes = %d; want 16", got)
	}
	if got := len(c.Scenarios()); got != 6 {
		t.Errorf("scenarios = %d; want 6", got)
	}
	if d := c.Default(); d.ID != "ESTP" {
		t.Errorf("default = %q; want ESTP", d.ID)
	}
	for _, a := range c.Archetypes() {
		if a.Voice == "" || a.Instructions == "" || a.Group == "" {
			t.Errorf("archetype %s incomplete: %+v", a.ID, a)
		}
	}
	esfp, ok := c.Archetype("esfp")
	if !ok || esfp.Voice != "alloy" {
		t.Errorf("ESFP = %+v, ok=%v", esfp, ok)
	}
	if _, ok := c.Scenario("plan_next_date"); !ok {
		t.Error("plan_next_date missing")
	}
}

func TestLoadCatalogue_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "archetypes:\n  - id: A\n    colour: red\n"},
		{"no archetypes", "scenarios: []\n"},
		{"duplicate archetype", "archetypes:\n  - id: A\n  - id: a\n"},
		{"missing default", "default_archetype: Z\narchetypes:\n  - id: A\n"},
		{"scenario without id", "archetypes:\n  - id: A\nscenarios:\n  - label: x\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := persona.LoadCatalogue(strings.NewReader(tc.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWith_OverridesAndAdds(t *testing.T) {
	t.Parallel()

	base := persona.Builtin()
	c := base.With([]persona.Archetype{
		{ID: "esfp", Instructions: "custom"},
		{ID: "Kai", Name: "カイ", Voice: "echo", Instructions: "幼なじみ"},
	})

	esfp, _ := c.Archetype("ESFP")
	if esfp.Instructions != "custom" || esfp.Voice != "alloy" {
		t.Errorf("override = %+v", esfp)
	}
	kai, ok := c.Archetype("KAI")
	if !ok || kai.DisplayName() != "カイ" {
		t.Errorf("added = %+v, ok=%v", kai, ok)
	}
	if len(c.Archetypes()) != 17 {
		t.Errorf("archetypes = %d; want 17", len(c.Archetypes()))
	}
	if orig, _ := base.Archetype("ESFP"); orig.Instructions == "custom" {
		t.Error("With mutated the base catalogue")
	}
}

func TestResolve_Fallbacks(t *testing.T) {
	t.Parallel()

	c := persona.Builtin()
	r := c.Resolve(persona.Profile{Archetype: "XXXX", Scenario: "nope"})
	if r.Archetype.ID != "ESTP" {
		t.Errorf("archetype = %q; want default ESTP", r.Archetype.ID)
	}
	if r.Scenario.ID != "" {
		t.Errorf("scenario = %q; want none", r.Scenario.ID)
	}
	if r.Profile.Relationship != persona.RelationshipCrush || r.Profile.Expressiveness != persona.ExpressivenessExpressive {
		t.Errorf("defaults not applied: %+v", r.Profile)
	}
	if r.Name() != "ESTP" {
		t.Errorf("Name = %q", r.Name())
	}
}

func TestBuildInstructions(t *testing.T) {
	t.Parallel()

	c := persona.Builtin()
	r := c.Resolve(persona.Profile{
		Archetype:      "ENFP",
		Scenario:       "gentle_check_in",
		Relationship:   persona.RelationshipDatingLong,
		Expressiveness: persona.ExpressivenessReserved,
		Interests:      "映画",
		DisplayName:    "ひなた",
	})

	for _, want := range []string{
		"ENFPタイプ",
		"あなたの名前は「ひなた」です。",
		"少し元気がありません",
		"長く付き合っている",
		"控えめ (reserved)",
		"【ユーザーの趣味・関心】: 映画",
		"30文字以内",
	} {
		if !strings.Contains(r.Instructions, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
	if r.Name() != "ひなた" {
		t.Errorf("Name = %q", r.Name())
	}

	ctx := r.AnalysisContext()
	if ctx.PersonalityArchetype != "ENFP" || ctx.DisplayName != "ひなた" || ctx.RelationshipStage != "長く付き合っている" {
		t.Errorf("analysis context = %+v", ctx)
	}
}

func TestProfile_Validate(t *testing.T) {
	t.Parallel()

	ok := persona.Profile{Archetype: "ENTP", Relationship: "crush", Expressiveness: "reserved"}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid profile: %v", err)
	}
	for name, p := range map[string]persona.Profile{
		"missing archetype":   {},
		"bad relationship":    {Archetype: "ENTP", Relationship: "married"},
		"bad expressiveness":  {Archetype: "ENTP", Expressiveness: "loud"},
		"display name length": {Archetype: "ENTP", DisplayName: strings.Repeat("a", 65)},
	} {
		if err := p.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// Package persona holds the conversation partners a user can practise with
// and assembles the instructions handed to the realtime model.
//
// A [Catalogue] lists personality archetypes and practice scenarios. The
// built-in catalogue is embedded; config may add archetypes or override
// built-in ones by id.
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalogue.yaml
var builtin []byte

// Archetype is one personality the assistant can play.
type Archetype struct {
	ID string `yaml:"id"`

	// Name is the display name. It defaults to ID.
	Name string `yaml:"name"`

	// Group is the temperament family (NT, NF, SJ, SP).
	Group string `yaml:"group"`

	// Voice selects the realtime voice.
	Voice string `yaml:"voice"`

	// Instructions is the base personality prompt.
	Instructions string `yaml:"instructions"`
}

// DisplayName returns Name, or ID when Name is empty.
func (a Archetype) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Scenario is a practice situation.
type Scenario struct {
	ID string `yaml:"id"`

	// Label describes the situation from the user's point of view.
	Label string `yaml:"label"`

	// Point is what the user should practise.
	Point string `yaml:"point"`

	// Prompt tells the assistant how to play the situation.
	Prompt string `yaml:"prompt"`
}

// Catalogue is an ordered set of archetypes and scenarios. It is immutable
// once built and safe for concurrent reads.
type Catalogue struct {
	defaultID  string
	archetypes []Archetype
	byID       map[string]int
	scenarios  []Scenario
}

type catalogueFile struct {
	DefaultArchetype string      `yaml:"default_archetype"`
	Archetypes       []Archetype `yaml:"archetypes"`
	Scenarios        []Scenario  `yaml:"scenarios"`
}

// LoadCatalogue parses a YAML catalogue from r.
func LoadCatalogue(r io.Reader) (*Catalogue, error) {
	var f catalogueFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("persona: decode catalogue: %w", err)
	}
	return build(f)
}

// Builtin returns the embedded catalogue. It panics if the embedded file is
// invalid, which is a build defect.
func Builtin() *Catalogue {
	c, err := LoadCatalogue(strings.NewReader(string(builtin)))
	if err != nil {
		panic(err)
	}
	return c
}

func build(f catalogueFile) (*Catalogue, error) {
	var errs []error
	c := &Catalogue{byID: make(map[string]int, len(f.Archetypes))}
	for i, a := range f.Archetypes {
		a.ID = strings.ToUpper(strings.TrimSpace(a.ID))
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("persona: archetypes[%d]: id is required", i))
			continue
		}
		if _, dup := c.byID[a.ID]; dup {
			errs = append(errs, fmt.Errorf("persona: archetypes[%d]: duplicate id %q", i, a.ID))
			continue
		}
		c.byID[a.ID] = len(c.archetypes)
		c.archetypes = append(c.archetypes, a)
	}
	seen := make(map[string]bool, len(f.Scenarios))
	for i, s := range f.Scenarios {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("persona: scenarios[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("persona: scenarios[%d]: duplicate id %q", i, s.ID))
			continue
		}
		seen[s.ID] = true
		c.scenarios = append(c.scenarios, s)
	}
	if len(c.archetypes) == 0 {
		errs = append(errs, errors.New("persona: catalogue has no archetypes"))
	}
	c.defaultID = strings.ToUpper(f.DefaultArchetype)
	if _, ok := c.byID[c.defaultID]; !ok && len(c.archetypes) > 0 {
		if f.DefaultArchetype != "" {
			errs = append(errs, fmt.Errorf("persona: default archetype %q is not defined", f.DefaultArchetype))
		}
		c.defaultID = c.archetypes[0].ID
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// With returns a copy of c where extra archetypes are added, or replace
// built-in ones with the same id. Empty fields of an override keep the
// built-in value.
func (c *Catalogue) With(extra []Archetype) *Catalogue {
	out := &Catalogue{
		defaultID:  c.defaultID,
		archetypes: slices.Clone(c.archetypes),
		byID:       make(map[string]int, len(c.byID)+len(extra)),
		scenarios:  c.scenarios,
	}
	for k, v := range c.byID {
		out.byID[k] = v
	}
	for _, a := range extra {
		a.ID = strings.ToUpper(strings.TrimSpace(a.ID))
		if a.ID == "" {
			continue
		}
		if i, ok := out.byID[a.ID]; ok {
			base := out.archetypes[i]
			if a.Name == "" {
				a.Name = base.Name
			}
			if a.Group == "" {
				a.Group = base.Group
			}
			if a.Voice == "" {
				a.Voice = base.Voice
			}
			if a.Instructions == "" {
				a.Instructions = base.Instructions
			}
			out.archetypes[i] = a
			continue
		}
		out.byID[a.ID] = len(out.archetypes)
		out.archetypes = append(out.archetypes, a)
	}
	return out
}

// Archetypes returns all archetypes in catalogue order.
func (c *Catalogue) Archetypes() []Archetype { return slices.Clone(c.archetypes) }

// Scenarios returns all scenarios in catalogue order.
func (c *Catalogue) Scenarios() []Scenario { return slices.Clone(c.scenarios) }

// Archetype looks up an archetype by id, case-insensitively.
func (c *Catalogue) Archetype(id string) (Archetype, bool) {
	i, ok := c.byID[strings.ToUpper(id)]
	if !ok {
		return Archetype{}, false
	}
	return c.archetypes[i], true
}

// Default returns the fallback archetype.
func (c *Catalogue) Default() Archetype {
	return c.archetypes[c.byID[c.defaultID]]
}

// ResolveArchetype returns the archetype with id, or the default archetype
// when id is unknown.
func (c *Catalogue) ResolveArchetype(id string) Archetype {
	if a, ok := c.Archetype(id); ok {
		return a
	}
	return c.Default()
}

// Scenario looks up a scenario by id.
func (c *Catalogue) Scenario(id string) (Scenario, bool) {
	for _, s := range c.scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

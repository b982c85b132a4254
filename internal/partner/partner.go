// Package partner keeps the user's recently used conversation partners.
//
// A partner is a [persona.Profile] saved under a locally generated id. Every
// [Store] keeps at most a fixed number of partners, most recently saved
// first; saving past the limit evicts the oldest.
package partner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/kokoro/internal/persona"
)

// DefaultLimit is the number of partners a store keeps.
const DefaultLimit = 6

var (
	// ErrNotFound is returned when no partner has the requested id.
	ErrNotFound = errors.New("partner: not found")

	// ErrInvalid is wrapped by Save when the profile fails validation.
	ErrInvalid = errors.New("partner: invalid profile")
)

// Partner is one saved configuration.
type Partner struct {
	ID      string          `json:"id"`
	Profile persona.Profile `json:"profile"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store persists partners. Implementations are safe for concurrent use.
type Store interface {
	// List returns all partners, most recently saved first.
	List(ctx context.Context) ([]Partner, error)

	// Get returns the partner with id or [ErrNotFound].
	Get(ctx context.Context, id string) (Partner, error)

	// Save validates p, assigns an id if it has none, stamps SavedAt, moves
	// it to the front and evicts beyond the limit. It returns the stored
	// value.
	Save(ctx context.Context, p Partner) (Partner, error)

	// Delete removes the partner with id or returns [ErrNotFound].
	Delete(ctx context.Context, id string) error
}

// Option configures a store.
type Option func(*options)

type options struct {
	limit int
	now   func() time.Time
}

// WithLimit overrides [DefaultLimit].
func WithLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithClock overrides the time source for SavedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{limit: DefaultLimit, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// prepare validates p and fills its id and timestamp.
func (o options) prepare(p Partner) (Partner, error) {
	p.Profile = p.Profile.WithDefaults()
	if err := p.Profile.Validate(); err != nil {
		return Partner{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.SavedAt = o.now().UTC()
	return p, nil
}

// upsert puts p at the front of list, dropping any older copy and anything
// beyond limit.
func upsert(list []Partner, p Partner, limit int) []Partner {
	out := make([]Partner, 0, min(len(list)+1, limit))
	out = append(out, p)
	for _, q := range list {
		if len(out) == limit {
			break
		}
		if q.ID != p.ID {
			out = append(out, q)
		}
	}
	return out
}

func remove(list []Partner, id string) ([]Partner, bool) {
	i := slices.IndexFunc(list, func(p Partner) bool { return p.ID == id })
	if i < 0 {
		return list, false
	}
	return slices.Delete(slices.Clone(list), i, i+1), true
}

func find(list []Partner, id string) (Partner, error) {
	i := slices.IndexFunc(list, func(p Partner) bool { return p.ID == id })
	if i < 0 {
		return Partner{}, fmt.Errorf("partner: %q: %w", id, ErrNotFound)
	}
	return list[i], nil
}

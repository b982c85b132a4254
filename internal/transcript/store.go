package transcript

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides the time source used for CreatedAtMs. Tests use it to
// make timestamps deterministic.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is an insertion-ordered mapping id → Entry.
type Store struct {
	mu      sync.RWMutex
	now     func() time.Time
	order   []string
	entries map[string]*Entry
	lastMs  int64

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		entries: make(map[string]*Entry),
		subs:    make(map[int]chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// stamp returns a creation timestamp strictly greater than any previously
// issued one. Caller must hold s.mu.
func (s *Store) stamp() int64 {
	ms := s.now().UnixMilli()
	if ms <= s.lastMs {
		ms = s.lastMs + 1
	}
	s.lastMs = ms
	return ms
}

// insert adds a new entry. Caller must hold s.mu and have checked that id is
// unused.
func (s *Store) insert(e *Entry) {
	e.CreatedAtMs = s.stamp()
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
}

// Create adds a message entry. It returns false and leaves the store
// untouched when id already exists.
func (s *Store) Create(id string, role Role, text string) bool {
	s.mu.Lock()
	if _, ok := s.entries[id]; ok {
		s.mu.Unlock()
		slog.Debug("transcript: duplicate create ignored", "id", id)
		return false
	}
	s.insert(&Entry{ID: id, Kind: KindMessage, Role: role, Text: text})
	s.mu.Unlock()

	s.notify()
	return true
}

// Append concatenates delta to the entry's text. An unknown id creates the
// entry on demand with the given role. Fragments arriving after a Replace are
// discarded.
func (s *Store) Append(id string, role Role, delta string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	switch {
	case !ok:
		s.insert(&Entry{ID: id, Kind: KindMessage, Role: role, Text: delta})
	case e.Final:
		s.mu.Unlock()
		slog.Debug("transcript: late delta after final text dropped", "id", id)
		return
	default:
		e.Text += delta
	}
	s.mu.Unlock()

	s.notify()
}

// Replace overwrites the entry's text verbatim and marks it final. An unknown
// id creates the entry on demand with the given role.
func (s *Store) Replace(id string, role Role, text string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.insert(&Entry{ID: id, Kind: KindMessage, Role: role, Text: text, Final: true})
	} else {
		e.Text = text
		e.Final = true
	}
	s.mu.Unlock()

	s.notify()
}

// AddBreadcrumb records a system note and returns its generated id.
func (s *Store) AddBreadcrumb(title string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.insert(&Entry{ID: id, Kind: KindBreadcrumb, Text: title})
	s.mu.Unlock()

	s.notify()
	return id
}

// SetHidden toggles whether the entry is excluded from analysis. It reports
// whether the id exists.
func (s *Store) SetHidden(id string, hidden bool) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		e.Hidden = hidden
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
	return ok
}

// Get returns a copy of the entry with the given id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of entries of any kind.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Snapshot returns copies of all entries in insertion order.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.order))
	for i, id := range s.order {
		out[i] = *s.entries[id]
	}
	return out
}

// Chronological returns copies of all entries ordered by CreatedAtMs.
func (s *Store) Chronological() []Entry {
	out := s.Snapshot()
	slices.SortStableFunc(out, func(a, b Entry) int {
		switch {
		case a.CreatedAtMs < b.CreatedAtMs:
			return -1
		case a.CreatedAtMs > b.CreatedAtMs:
			return 1
		}
		return 0
	})
	return out
}

// Messages returns the chronological, visible message entries.
func (s *Store) Messages() []Entry {
	all := s.Chronological()
	out := all[:0]
	for _, e := range all {
		if e.IsMessage() {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards every entry and starts a new session. Timestamps stay
// monotonic across resets.
func (s *Store) Reset() {
	s.mu.Lock()
	s.order = nil
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()

	s.notify()
}

// Subscribe returns a channel that receives a value after every mutation.
// Notifications coalesce: a slow reader sees at least one signal after the
// latest change, never one per change. Call the returned function to stop.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

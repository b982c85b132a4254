package partner

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps partners in process memory.
type MemoryStore struct {
	opts options

	mu   sync.RWMutex
	list []Partner
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{opts: newOptions(opts)}
}

func (s *MemoryStore) List(context.Context) ([]Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.list), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.list, id)
}

func (s *MemoryStore) Save(_ context.Context, p Partner) (Partner, error) {
	p, err := s.opts.prepare(p)
	if err != nil {
		return Partner{}, err
	}
	s.mu.Lock()
	s.list = upsert(s.list, p, s.opts.limit)
	s.mu.Unlock()
	return p, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := remove(s.list, id)
	if !ok {
		_, err := find(s.list, id)
		return err
	}
	s.list = list
	return nil
}

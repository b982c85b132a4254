package partner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps partners in a single JSON file. Every write replaces the
// file atomically through a temporary sibling and a rename.
type FileStore struct {
	opts options
	path string

	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by path. The file is created on the
// first Save; a missing file reads as an empty list.
func NewFileStore(path string, opts ...Option) *FileStore {
	return &FileStore{opts: newOptions(opts), path: path}
}

func (s *FileStore) load() ([]Partner, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("partner: read %s: %w", s.path, err)
	}
	var list []Partner
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("partner: decode %s: %w", s.path, err)
	}
	return list, nil
}

func (s *FileStore) store(list []Partner) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("partner: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("partner: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".partners-*.json")
	if err != nil {
		return fmt.Errorf("partner: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("partner: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("partner: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("partner: replace %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) List(context.Context) ([]Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) Get(_ context.Context, id string) (Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return Partner{}, err
	}
	return find(list, id)
}

func (s *FileStore) Save(_ context.Context, p Partner) (Partner, error) {
	p, err := s.opts.prepare(p)
	if err != nil {
		return Partner{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return Partner{}, err
	}
	if err := s.store(upsert(list, p, s.opts.limit)); err != nil {
		return Partner{}, err
	}
	return p, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return err
	}
	next, ok := remove(list, id)
	if !ok {
		_, err := find(list, id)
		return err
	}
	return s.store(next)
}

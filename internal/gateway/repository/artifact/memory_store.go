package artifact

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, bundle, path string, content []byte) error {
	b, p, err := normalizeKey(bundle, path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[b+"/"+p] = append([]byte(nil), content...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, bundle, path string) ([]byte, error) {
	b, p, err := normalizeKey(bundle, path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[b+"/"+p]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

func (s *MemoryStore) List(_ context.Context, bundle string) ([]string, error) {
	b, err := normalizeBundle(bundle)
	if err != nil {
		return nil, err
	}
	prefix := b + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, 16)
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetURL returns a memory:// reference; there is nothing to download from.
func (s *MemoryStore) GetURL(_ context.Context, bundle, path string) (string, error) {
	b, p, err := normalizeKey(bundle, path)
	if err != nil {
		return "", err
	}
	return "memory://" + b + "/" + p, nil
}

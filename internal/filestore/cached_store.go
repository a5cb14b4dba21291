package filestore

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type CacheConfig struct {
	FileTTL        time.Duration
	FileMaxEntries int

	ListTTL        time.Duration
	ListMaxEntries int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		FileTTL:        2 * time.Minute,
		FileMaxEntries: 2048,
		ListTTL:        15 * time.Second,
		ListMaxEntries: 256,
	}
}

type MetricsSnapshot struct {
	FileHits     uint64
	FileMisses   uint64
	ListHits     uint64
	ListMisses   uint64
	OriginWrites uint64
	Conflicts    uint64
}

type metrics struct {
	fileHits     atomic.Uint64
	fileMisses   atomic.Uint64
	listHits     atomic.Uint64
	listMisses   atomic.Uint64
	originWrites atomic.Uint64
	conflicts    atomic.Uint64
}

// CachedStore is a read-through cache in front of an origin Store. Writes
// and deletes always go to the origin, so preconditions are never evaluated
// against cached state.
type CachedStore struct {
	origin Store

	files   *expirable.LRU[string, FileRecord]
	lists   *expirable.LRU[string, []FileInfo]
	metrics metrics
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.FileTTL <= 0 {
		cfg.FileTTL = def.FileTTL
	}
	if cfg.FileMaxEntries <= 0 {
		cfg.FileMaxEntries = def.FileMaxEntries
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = def.ListTTL
	}
	if cfg.ListMaxEntries <= 0 {
		cfg.ListMaxEntries = def.ListMaxEntries
	}
	return &CachedStore{
		origin: origin,
		files:  expirable.NewLRU[string, FileRecord](cfg.FileMaxEntries, nil, cfg.FileTTL),
		lists:  expirable.NewLRU[string, []FileInfo](cfg.ListMaxEntries, nil, cfg.ListTTL),
	}
}

func (s *CachedStore) Get(ctx context.Context, projectID, filePath string) (FileRecord, error) {
	key, ok := cacheKey(projectID, filePath)
	if ok {
		if rec, hit := s.files.Get(key); hit {
			s.metrics.fileHits.Add(1)
			return cloneRecord(rec), nil
		}
	}
	s.metrics.fileMisses.Add(1)
	rec, err := s.origin.Get(ctx, projectID, filePath)
	if err != nil {
		return FileRecord{}, err
	}
	if ok {
		s.files.Add(key, cloneRecord(rec))
	}
	return rec, nil
}

func (s *CachedStore) List(ctx context.Context, projectID string) ([]FileInfo, error) {
	pid := strings.TrimSpace(projectID)
	if list, hit := s.lists.Get(pid); hit {
		s.metrics.listHits.Add(1)
		return append([]FileInfo(nil), list...), nil
	}
	s.metrics.listMisses.Add(1)
	list, err := s.origin.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.lists.Add(pid, append([]FileInfo(nil), list...))
	return list, nil
}

// Snapshot always reads the origin; it feeds publishing and scanning, which
// must see every file.
func (s *CachedStore) Snapshot(ctx context.Context, projectID string) ([]FileRecord, error) {
	return s.origin.Snapshot(ctx, projectID)
}

func (s *CachedStore) Write(ctx context.Context, projectID, filePath string, body []byte, pre Precondition) (FileRecord, error) {
	s.metrics.originWrites.Add(1)
	rec, err := s.origin.Write(ctx, projectID, filePath, body, pre)
	s.afterMutation(projectID, filePath, err)
	if err != nil {
		return FileRecord{}, err
	}
	if key, ok := cacheKey(projectID, rec.Path); ok {
		s.files.Add(key, cloneRecord(rec))
	}
	return rec, nil
}

func (s *CachedStore) Delete(ctx context.Context, projectID, filePath string, pre Precondition) (FileRecord, error) {
	s.metrics.originWrites.Add(1)
	rec, err := s.origin.Delete(ctx, projectID, filePath, pre)
	s.afterMutation(projectID, filePath, err)
	return rec, err
}

func (s *CachedStore) Backups(ctx context.Context, projectID, filePath string) ([]Backup, error) {
	return s.origin.Backups(ctx, projectID, filePath)
}

func (s *CachedStore) Metrics() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		FileHits:     s.metrics.fileHits.Load(),
		FileMisses:   s.metrics.fileMisses.Load(),
		ListHits:     s.metrics.listHits.Load(),
		ListMisses:   s.metrics.listMisses.Load(),
		OriginWrites: s.metrics.originWrites.Load(),
		Conflicts:    s.metrics.conflicts.Load(),
	}
}

// afterMutation drops cached state for the path. A failed precondition means
// the cached body is likely stale, so it is dropped as well.
func (s *CachedStore) afterMutation(projectID, filePath string, err error) {
	if errors.Is(err, ErrPreconditionFailed) {
		s.metrics.conflicts.Add(1)
	}
	if key, ok := cacheKey(projectID, filePath); ok {
		s.files.Remove(key)
	}
	s.lists.Remove(strings.TrimSpace(projectID))
}

func cacheKey(projectID, filePath string) (string, bool) {
	pid, p, err := normalizeKey(projectID, filePath)
	if err != nil {
		return "", false
	}
	return pid + "/" + p, true
}

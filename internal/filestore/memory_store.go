package filestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeforge/internal/fingerprint"
)

// MemoryStore keeps project files in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	files   map[string]map[string]FileRecord
	backups map[string][]Backup
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:   make(map[string]map[string]FileRecord),
		backups: make(map[string][]Backup),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, projectID, filePath string) (FileRecord, error) {
	pid, p, err := normalizeKey(projectID, filePath)
	if err != nil {
		return FileRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[pid][p]
	if !ok {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) List(_ context.Context, projectID string) ([]FileInfo, error) {
	pid, err := normalizeProjectID(projectID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileInfo, 0, len(s.files[pid]))
	for _, rec := range s.files[pid] {
		out = append(out, rec.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, projectID string) ([]FileRecord, error) {
	pid, err := normalizeProjectID(projectID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileRecord, 0, len(s.files[pid]))
	for _, rec := range s.files[pid] {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) Write(_ context.Context, projectID, filePath string, body []byte, pre Precondition) (FileRecord, error) {
	pid, p, err := normalizeKey(projectID, filePath)
	if err != nil {
		return FileRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	files := s.files[pid]
	if files == nil {
		files = make(map[string]FileRecord)
		s.files[pid] = files
	}
	var cur *FileRecord
	if rec, ok := files[p]; ok {
		cur = &rec
	}
	if err := checkPrecondition(p, cur, pre); err != nil {
		return FileRecord{}, err
	}
	now := s.now()
	if cur != nil {
		s.backups[pid] = append(s.backups[pid], Backup{
			Path:        p,
			Body:        append([]byte(nil), cur.Body...),
			Fingerprint: cur.Fingerprint,
			Reason:      "overwrite",
			ReplacedAt:  now,
		})
	}
	rec := FileRecord{
		Path:        p,
		Body:        append([]byte(nil), body...),
		Fingerprint: fingerprint.Sum(body),
		Size:        int64(len(body)),
		UpdatedAt:   now,
	}
	files[p] = rec
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Delete(_ context.Context, projectID, filePath string, pre Precondition) (FileRecord, error) {
	pid, p, err := normalizeKey(projectID, filePath)
	if err != nil {
		return FileRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[pid][p]
	if !ok {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err := checkPrecondition(p, &rec, pre); err != nil {
		return FileRecord{}, err
	}
	s.backups[pid] = append(s.backups[pid], Backup{
		Path:        p,
		Body:        append([]byte(nil), rec.Body...),
		Fingerprint: rec.Fingerprint,
		Reason:      "delete",
		ReplacedAt:  s.now(),
	})
	delete(s.files[pid], p)
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Backups(_ context.Context, projectID, filePath string) ([]Backup, error) {
	pid, p, err := normalizeKey(projectID, filePath)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Backup
	for _, b := range s.backups[pid] {
		if b.Path != p {
			continue
		}
		b.Body = append([]byte(nil), b.Body...)
		out = append(out, b)
	}
	return out, nil
}

func normalizeKey(projectID, filePath string) (string, string, error) {
	pid, err := normalizeProjectID(projectID)
	if err != nil {
		return "", "", err
	}
	p, err := NormalizePath(filePath)
	if err != nil {
		return "", "", err
	}
	return pid, p, nil
}

func cloneRecord(rec FileRecord) FileRecord {
	rec.Body = append([]byte(nil), rec.Body...)
	return rec
}

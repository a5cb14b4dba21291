package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCachedStoreReadThroughAndInvalidation(t *testing.T) {
	ctx := context.Background()
	origin := NewMemoryStore()
	s := NewCachedStore(origin, CacheConfig{FileTTL: time.Minute, FileMaxEntries: 8, ListTTL: time.Minute, ListMaxEntries: 8})

	rec, err := s.Write(ctx, "p1", "a.txt", []byte("v1"), Precondition{})
	require.NoError(t, err)

	got, err := s.Get(ctx, "p1", "a.txt")
	require.NoError(t, err)
	require.Equal(t, rec.Fingerprint, got.Fingerprint)
	require.EqualValues(t, 1, s.Metrics().FileHits)

	_, err = s.List(ctx, "p1")
	require.NoError(t, err)
	_, err = s.List(ctx, "p1")
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Metrics().ListHits)

	_, err = s.Write(ctx, "p1", "b.txt", []byte("b"), Precondition{})
	require.NoError(t, err)
	list, err := s.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestCachedStoreDropsStaleEntryOnConflict(t *testing.T) {
	ctx := context.Background()
	origin := NewMemoryStore()
	s := NewCachedStore(origin, DefaultCacheConfig())

	rec, err := s.Write(ctx, "p1", "a.txt", []byte("v1"), Precondition{})
	require.NoError(t, err)
	_, err = s.Get(ctx, "p1", "a.txt")
	require.NoError(t, err)

	// Another writer bypasses the cache.
	moved, err := origin.Write(ctx, "p1", "a.txt", []byte("v2"), Precondition{})
	require.NoError(t, err)

	_, err = s.Write(ctx, "p1", "a.txt", []byte("v3"), Precondition{IfMatch: rec.Fingerprint})
	require.ErrorIs(t, err, ErrPreconditionFailed)
	require.EqualValues(t, 1, s.Metrics().Conflicts)

	got, err := s.Get(ctx, "p1", "a.txt")
	require.NoError(t, err)
	require.Equal(t, moved.Fingerprint, got.Fingerprint)
}

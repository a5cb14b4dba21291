package publish

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"codeforge/internal/filestore"
	"codeforge/internal/fingerprint"
	"codeforge/internal/gateway/repository/artifact"
)

func rec(path, body string) filestore.FileRecord {
	return filestore.FileRecord{Path: path, Body: []byte(body), Fingerprint: fingerprint.SumString(body), Size: int64(len(body))}
}

func TestPublishWritesFilesAndManifest(t *testing.T) {
	store := artifact.NewMemoryStore()
	svc := New(store)
	ctx := context.Background()

	ref, err := svc.Publish(ctx, "proj-1", "job-1", []filestore.FileRecord{rec("index.html", "<html/>"), rec("src/app.js", "let total = 0")})
	require.NoError(t, err)
	require.Equal(t, "artifact://proj-1/job-1", ref)

	paths, err := store.List(ctx, "proj-1/job-1")
	require.NoError(t, err)
	require.Equal(t, []string{".codeforge/manifest.json", "index.html", "src/app.js"}, paths)

	body, err := store.Get(ctx, "proj-1/job-1", "src/app.js")
	require.NoError(t, err)
	require.Equal(t, "let total = 0", string(body))

	m, err := svc.Manifest(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "job-1", m.JobID)
	require.Len(t, m.Files, 2)
	require.Equal(t, fingerprint.SumString("<html/>"), m.Files[0].Fingerprint)

	url, err := svc.ManifestURL(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "memory://proj-1/job-1/.codeforge/manifest.json", url)

	_, err = svc.Manifest(ctx, "s3://elsewhere")
	require.Error(t, err)
}

type failingStore struct{ *artifact.MemoryStore }

func (f failingStore) Put(ctx context.Context, bundle, path string, content []byte) error {
	if path == "bad.js" {
		return errors.New("disk full")
	}
	return f.MemoryStore.Put(ctx, bundle, path, content)
}

func TestPublishFailureSkipsManifest(t *testing.T) {
	store := failingStore{artifact.NewMemoryStore()}
	svc := New(store)
	ctx := context.Background()

	_, err := svc.Publish(ctx, "p", "j", []filestore.FileRecord{rec("ok.js", "1"), rec("bad.js", "2")})
	require.Error(t, err)

	_, err = store.Get(ctx, "p/j", manifestPath)
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

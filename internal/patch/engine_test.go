package patch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"codeforge/internal/filestore"
	"codeforge/internal/fingerprint"
)

func seed(t *testing.T, store filestore.Store, files map[string]string) {
	t.Helper()
	for p, body := range files {
		_, err := store.Write(context.Background(), "proj", p, []byte(body), filestore.Precondition{})
		require.NoError(t, err)
	}
}

func TestApplyCreatesFilesWithMatchingFingerprints(t *testing.T) {
	store := filestore.NewMemoryStore()
	eng := New(Policy{})

	res := eng.Apply(context.Background(), store, "proj", []Proposal{
		{Path: "index.html", Action: ActionCreate, NewBody: "<html></html>"},
		{Path: "src/app.js", Action: ActionCreate, NewBody: "let total = 0"},
	})
	require.Empty(t, res.Rejected)
	require.Equal(t, []string{"index.html", "src/app.js"}, res.AppliedPaths())

	for _, a := range res.Applied {
		rec, err := store.Get(context.Background(), "proj", a.Path)
		require.NoError(t, err)
		require.Equal(t, fingerprint.Sum(rec.Body), rec.Fingerprint)
		require.Equal(t, a.Fingerprint, rec.Fingerprint)
	}
}

func TestApplyRejectsPerProposalWithoutAbortingBatch(t *testing.T) {
	store := filestore.NewMemoryStore()
	seed(t, store, map[string]string{"a.js": "a1", "b.js": "b1"})
	eng := New(Policy{})

	res := eng.Apply(context.Background(), store, "proj", []Proposal{
		{Path: "a.js", Action: ActionModify, NewBody: "a2", ExpectedFingerprint: fingerprint.SumString("stale")},
		{Path: "b.js", Action: ActionModify, NewBody: "b2", ExpectedFingerprint: fingerprint.SumString("b1")},
		{Path: "missing.js", Action: ActionModify, NewBody: "x"},
		{Path: "c.js", Action: "rename", NewBody: "x"},
	})
	require.Equal(t, []string{"b.js"}, res.AppliedPaths())
	require.Len(t, res.Rejected, 3)

	require.ErrorIs(t, res.Rejected[0].Err, ErrConflict)
	var conflict *ConflictError
	require.True(t, errors.As(res.Rejected[0].Err, &conflict))
	require.Equal(t, fingerprint.SumString("a1"), conflict.Actual)
	require.ErrorIs(t, res.Rejected[1].Err, ErrNotFound)
	require.ErrorIs(t, res.Rejected[2].Err, ErrInvalidProposal)

	rec, err := store.Get(context.Background(), "proj", "a.js")
	require.NoError(t, err)
	require.Equal(t, "a1", string(rec.Body))
}

func TestApplyCASSucceedsExactlyOnce(t *testing.T) {
	store := filestore.NewMemoryStore()
	seed(t, store, map[string]string{"a.js": "v1"})
	eng := New(Policy{})
	f1 := fingerprint.SumString("v1")

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan Result, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- eng.Apply(context.Background(), store, "proj", []Proposal{
				{Path: "a.js", Action: ActionModify, NewBody: fmt.Sprintf("v2-%d", i), ExpectedFingerprint: f1},
			})
		}(i)
	}
	wg.Wait()
	close(results)

	applied, conflicts := 0, 0
	for r := range results {
		applied += len(r.Applied)
		for _, rej := range r.Rejected {
			require.ErrorIs(t, rej.Err, ErrConflict)
			conflicts++
		}
	}
	require.Equal(t, 1, applied)
	require.Equal(t, writers-1, conflicts)
}

func TestCreateOnExistingPathUsesModifySemantics(t *testing.T) {
	store := filestore.NewMemoryStore()
	seed(t, store, map[string]string{"a.js": "v1"})

	res := New(Policy{}).Apply(context.Background(), store, "proj", []Proposal{
		{Path: "a.js", Action: ActionCreate, NewBody: "v2", ExpectedFingerprint: fingerprint.SumString("other")},
	})
	require.Len(t, res.Rejected, 1)
	require.ErrorIs(t, res.Rejected[0].Err, ErrConflict)

	res = New(Policy{}).Apply(context.Background(), store, "proj", []Proposal{
		{Path: "a.js", Action: ActionCreate, NewBody: "v2"},
	})
	require.Len(t, res.Applied, 1)
	require.Equal(t, fingerprint.SumString("v1"), res.Applied[0].PreviousFingerprint)

	res = New(Policy{DisallowCreateOverwrite: true}).Apply(context.Background(), store, "proj", []Proposal{
		{Path: "a.js", Action: ActionCreate, NewBody: "v3"},
	})
	require.Len(t, res.Rejected, 1)
	require.ErrorIs(t, res.Rejected[0].Err, ErrCreateExisting)
}

func TestApplyRetainsBackupBeforeOverwrite(t *testing.T) {
	store := filestore.NewMemoryStore()
	seed(t, store, map[string]string{"a.js": "original"})

	res := New(Policy{}).Apply(context.Background(), store, "proj", []Proposal{
		{Path: "a.js", Action: ActionModify, NewBody: "changed"},
		{Path: "a.js", Action: ActionDelete},
	})
	require.Len(t, res.Applied, 2)
	require.True(t, res.Applied[1].Deleted)

	backups, err := store.Backups(context.Background(), "proj", "a.js")
	require.NoError(t, err)
	require.Len(t, backups, 2)
	require.Equal(t, "original", string(backups[0].Body))
	require.Equal(t, "changed", string(backups[1].Body))
}

func TestWriteFile(t *testing.T) {
	store := filestore.NewMemoryStore()
	eng := New(Policy{})
	ctx := context.Background()

	rec, err := eng.WriteFile(ctx, store, "proj", "notes.md", "one", "")
	require.NoError(t, err)

	_, err = eng.WriteFile(ctx, store, "proj", "notes.md", "two", fingerprint.SumString("zero"))
	require.ErrorIs(t, err, ErrConflict)

	rec2, err := eng.WriteFile(ctx, store, "proj", "notes.md", "two", rec.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, fingerprint.SumString("two"), rec2.Fingerprint)

	_, err = eng.WriteFile(ctx, store, "proj", "../escape", "x", "")
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestFillExpectedPinsOnlyUnpinnedKnownPaths(t *testing.T) {
	in := []Proposal{
		{Path: "/a.js", Action: ActionModify},
		{Path: "b.js", Action: ActionModify, ExpectedFingerprint: "mine"},
		{Path: "new.js", Action: ActionCreate},
	}
	out := FillExpected(in, map[string]string{"a.js": "H1", "b.js": "H2"})
	require.Equal(t, "H1", out[0].ExpectedFingerprint)
	require.Equal(t, "mine", out[1].ExpectedFingerprint)
	require.Empty(t, out[2].ExpectedFingerprint)
	require.Empty(t, in[0].ExpectedFingerprint)
}

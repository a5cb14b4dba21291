package patch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"codeforge/internal/filestore"
	"codeforge/internal/fingerprint"
)

const cardBody = "export function UserCard() { return null } // UserCard"

func TestApplyGroupUpdatesEveryMember(t *testing.T) {
	store := filestore.NewMemoryStore()
	seed(t, store, map[string]string{
		"a/UserCard.jsx": cardBody,
		"b/UserCard.jsx": cardBody,
		"c/Other.jsx":    "export function Other() {}",
	})
	eng := New(Policy{})

	paths, shared, err := eng.FindGroup(context.Background(), store, "proj", "UserCard", "")
	require.NoError(t, err)
	require.Equal(t, []string{"a/UserCard.jsx", "b/UserCard.jsx"}, paths)
	require.Equal(t, fingerprint.SumString(cardBody), shared)

	res, err := eng.ApplyGroup(context.Background(), store, "proj", GroupEdit{
		Identifier: "UserCard",
		NewBody:    "export function UserCard() { return 1 } // UserCard",
	})
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	require.Len(t, res.Applied, 2)
	require.Equal(t, res.Applied[0].Fingerprint, res.Applied[1].Fingerprint)
}

func TestApplyGroupChecksEachMemberIndividually(t *testing.T) {
	store := filestore.NewMemoryStore()
	seed(t, store, map[string]string{
		"a/UserCard.jsx": cardBody,
		"b/UserCard.jsx": cardBody,
	})
	eng := New(Policy{})
	shared := fingerprint.SumString(cardBody)

	// One member moves before the group edit lands.
	_, err := store.Write(context.Background(), "proj", "b/UserCard.jsx", []byte(cardBody+"\n"), filestore.Precondition{})
	require.NoError(t, err)

	res, err := eng.ApplyGroup(context.Background(), store, "proj", GroupEdit{
		Identifier:          "UserCard",
		Paths:               []string{"a/UserCard.jsx", "b/UserCard.jsx", "c/None.jsx"},
		NewBody:             "updated UserCard",
		ExpectedFingerprint: shared,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a/UserCard.jsx"}, res.AppliedPaths())
	require.Len(t, res.Rejected, 2)
	require.ErrorIs(t, res.Rejected[0].Err, ErrNotFound)
	require.ErrorIs(t, res.Rejected[1].Err, ErrConflict)
}

func TestFindGroupRejectsDivergedMembers(t *testing.T) {
	store := filestore.NewMemoryStore()
	seed(t, store, map[string]string{
		"a/UserCard.jsx": cardBody,
		"b/UserCard.jsx": cardBody + " ",
	})
	_, _, err := New(Policy{}).FindGroup(context.Background(), store, "proj", "UserCard", "")
	require.ErrorIs(t, err, ErrInvalidProposal)

	_, err = New(Policy{}).ApplyGroup(context.Background(), store, "proj", GroupEdit{NewBody: "x"})
	require.ErrorIs(t, err, ErrInvalidProposal)
}

package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"codeforge/internal/patch"
)

func TestFakeGatewayGeneratesCreates(t *testing.T) {
	res, err := NewFakeGateway().Complete(context.Background(), Request{Kind: KindGenerate, Prompt: "todo app with auth", ProjectType: "fullstack"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Proposals)
	for _, p := range res.Proposals {
		require.Equal(t, patch.ActionCreate, p.Action)
	}
	require.NotEmpty(t, res.Fixups)
}

func TestFakeGatewayRenameTurn(t *testing.T) {
	res, err := NewFakeGateway().Complete(context.Background(), Request{
		Kind:    KindAgentTurn,
		Message: "rename variable x to total",
		Files: []FileContext{
			{Path: "a.js", Body: "let x = 1;\nx += 2;\nlet xs = [];", Fingerprint: "H1"},
			{Path: "b.js", Body: "const y = 3;"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Proposals, 1)
	require.Equal(t, "a.js", res.Proposals[0].Path)
	require.Equal(t, "H1", res.Proposals[0].ExpectedFingerprint)
	require.Equal(t, "let total = 1;\ntotal += 2;\nlet xs = [];", res.Proposals[0].NewBody)
}

func TestScriptedGatewayRepeatsLastStep(t *testing.T) {
	gw := NewScriptedGateway().
		Reply(KindPreflight, Result{Questions: []string{"q"}}).
		Reply(KindPreflight, Result{})

	first, err := gw.Complete(context.Background(), Request{Kind: KindPreflight})
	require.NoError(t, err)
	require.Len(t, first.Questions, 1)
	for i := 0; i < 3; i++ {
		next, err := gw.Complete(context.Background(), Request{Kind: KindPreflight})
		require.NoError(t, err)
		require.Empty(t, next.Questions)
	}

	_, err = gw.Complete(context.Background(), Request{Kind: KindFix})
	require.ErrorIs(t, err, ErrNotScripted)
	require.Len(t, gw.CallsOf(KindPreflight), 4)
}

func TestBudgetFiles(t *testing.T) {
	files := []FileContext{
		{Path: "a", Body: "12345678"},
		{Path: "b", Body: "1234567890123456789012345678901234567890"},
		{Path: "c", Body: "1234"},
	}
	kept, skipped := BudgetFiles(EstimateCounter{}, files, 6)
	require.Equal(t, []string{"b"}, skipped)
	require.Len(t, kept, 2)

	kept, skipped = BudgetFiles(nil, files, 0)
	require.Len(t, kept, 3)
	require.Empty(t, skipped)
}

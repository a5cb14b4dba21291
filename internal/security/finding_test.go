package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortForDisplaySeverityOrder(t *testing.T) {
	in := []Finding{
		{RuleID: "d", Severity: SeverityInfo, File: "a"},
		{RuleID: "l", Severity: SeverityLow, File: "a"},
		{RuleID: "h2", Severity: SeverityHigh, File: "b", Line: 9, Fixed: true},
		{RuleID: "m", Severity: SeverityMedium, File: "a"},
		{RuleID: "h1", Severity: SeverityHigh, File: "b", Line: 2},
		{RuleID: "h0", Severity: SeverityHigh, File: "a", Line: 40},
	}
	out := SortForDisplay(in)

	var ids []string
	for i, f := range out {
		ids = append(ids, f.RuleID)
		if i > 0 {
			require.LessOrEqual(t, out[i-1].Severity.Rank(), f.Severity.Rank())
		}
	}
	require.Equal(t, []string{"h0", "h1", "h2", "m", "l", "d"}, ids)
	require.Equal(t, "d", in[0].RuleID, "input must not be reordered")
}

func TestOpenCountAndBlockingExcludeFixed(t *testing.T) {
	findings := []Finding{
		{Severity: SeverityHigh, Fixed: true},
		{Severity: SeverityMedium},
		{Severity: SeverityLow},
		{Severity: SeverityInfo, Fixed: true},
	}
	require.Equal(t, 2, OpenCount(findings))
	require.Len(t, Blocking(findings), 1)
	require.True(t, HasBlocking(findings))

	findings[1].Fixed = true
	require.False(t, HasBlocking(findings))
	require.Empty(t, Blocking(findings))
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" High ")
	require.NoError(t, err)
	require.Equal(t, SeverityHigh, s)
	_, err = ParseSeverity("critical")
	require.Error(t, err)
}

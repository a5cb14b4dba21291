package security

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"codeforge/internal/filestore"
	"codeforge/internal/fingerprint"
)

func file(path, body string) filestore.FileRecord {
	return filestore.FileRecord{Path: path, Body: []byte(body), Fingerprint: fingerprint.SumString(body), Size: int64(len(body))}
}

func TestScanDetectsBuiltInRules(t *testing.T) {
	s := NewDefault()
	findings, err := s.Scan(context.Background(), []filestore.FileRecord{
		file("src/app.js", "const apiKey = \"sk_live_1234567890\";\napp.innerHTML = input;\nfetch('http://example.com/api');\nfetch('http://localhost:3000');\n"),
		file("server/db.py", "cur.execute(\"SELECT * FROM users WHERE id=\" + uid)\n"),
		file("README.md", "eval(x) in docs is not code\n"),
	})
	require.NoError(t, err)

	got := map[string]Finding{}
	for _, f := range findings {
		got[f.RuleID+"@"+f.File] = f
	}
	require.Contains(t, got, "hardcoded-secret@src/app.js")
	require.Equal(t, 1, got["hardcoded-secret@src/app.js"].Line)
	require.Equal(t, SeverityHigh, got["hardcoded-secret@src/app.js"].Severity)
	require.Contains(t, got, "inner-html@src/app.js")
	require.Equal(t, 2, got["inner-html@src/app.js"].Line)
	require.Contains(t, got, "insecure-http@src/app.js")
	require.Equal(t, 3, got["insecure-http@src/app.js"].Line)
	require.Contains(t, got, "sql-concatenation@server/db.py")
	require.NotContains(t, got, "eval-call@README.md")

	for _, f := range findings {
		require.False(t, f.Fixed)
		if f.RuleID == "insecure-http" {
			require.NotEqual(t, 4, f.Line)
		}
	}
}

func TestScanCleanProjectHasNoBlockingFindings(t *testing.T) {
	findings, err := NewDefault().Scan(context.Background(), []filestore.FileRecord{
		file("index.html", "<!doctype html><div id=\"app\"></div>"),
		file("src/app.js", "const app = document.getElementById('app');\napp.textContent = 'hi';\n"),
	})
	require.NoError(t, err)
	require.False(t, HasBlocking(findings))
}

func TestScanDegradesToInfoFindings(t *testing.T) {
	s := NewDefault(WithMaxFileSize(16))
	findings, err := s.Scan(context.Background(), []filestore.FileRecord{
		file("big.js", strings.Repeat("a", 64)),
		file("logo.png", "\x89PNG\x00\x00binary"),
		{Path: "lost.js", Size: 10},
	})
	require.NoError(t, err)
	require.Len(t, findings, 3)
	for _, f := range findings {
		require.Equal(t, SeverityInfo, f.Severity)
		require.Equal(t, "scanner-degraded", f.RuleID)
	}
	require.False(t, HasBlocking(findings))
}

func TestScanHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDefault(WithConcurrency(1)).Scan(ctx, []filestore.FileRecord{file("a.js", "eval(x)")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadRulesValidation(t *testing.T) {
	rules, err := LoadRules(strings.NewReader(`
rules:
  - id: todo
    severity: LOW
    pattern: 'TODO'
    globs: ["*.go", "cmd/*"]
`))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, SeverityLow, rules[0].Severity)
	require.True(t, rules[0].Applies("pkg/x.go"))
	require.True(t, rules[0].Applies("cmd/main"))
	require.False(t, rules[0].Applies("web/app.js"))

	for name, doc := range map[string]string{
		"severity": "rules:\n  - id: a\n    severity: critical\n    pattern: x\n",
		"pattern":  "rules:\n  - id: a\n    severity: high\n    pattern: '('\n",
		"empty":    "rules:\n  - id: a\n    severity: high\n",
		"dup":      "rules:\n  - {id: a, severity: high, pattern: x}\n  - {id: a, severity: low, pattern: y}\n",
		"unknown":  "rules:\n  - {id: a, severity: high, pattern: x, colour: red}\n",
	} {
		_, err := LoadRules(strings.NewReader(doc))
		require.Error(t, err, name)
	}
}

func TestDefaultRulesCompile(t *testing.T) {
	rules := DefaultRules()
	require.NotEmpty(t, rules)
	for _, r := range rules {
		require.True(t, r.Severity.Valid(), r.ID)
	}
}

package llm

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"codeforge/internal/patch"
)

// FakeGateway returns deterministic, minimal results per request kind for
// offline development (LLM_PROVIDER=fake).
type FakeGateway struct{}

func NewFakeGateway() *FakeGateway { return &FakeGateway{} }

func (f *FakeGateway) Name() string { return "FakeLLM" }

var renamePattern = regexp.MustCompile(`(?i)rename\s+(?:variable\s+)?([A-Za-z_$][\w$]*)\s+to\s+([A-Za-z_$][\w$]*)`)

func (f *FakeGateway) Complete(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	switch req.Kind {
	case KindPreflight:
		if len(strings.Fields(req.Prompt)) < 2 {
			return Result{
				Narrative: "The description is too short to plan a project.",
				Questions: []string{"What should the application do?"},
			}, nil
		}
		return Result{Narrative: "The request is clear. Starting generation."}, nil
	case KindGenerate:
		return fakeProject(req), nil
	case KindFix:
		return Result{Narrative: fmt.Sprintf("Reviewed %d findings; no automated fix is available offline.", len(req.Findings))}, nil
	case KindAgentTurn:
		return fakeTurn(req), nil
	default:
		return Result{}, &PermanentError{Err: fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)}
	}
}

func fakeProject(req Request) Result {
	title := strings.TrimSpace(req.Prompt)
	keys := make([]string, 0, len(req.Answers))
	for k := range req.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var notes strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&notes, "- %s: %s\n", k, req.Answers[k])
	}
	readme := fmt.Sprintf("# %s\n\nProject type: %s\n%s", title, req.ProjectType, notes.String())
	html := "<!doctype html>\n<html>\n<head><title>App</title></head>\n<body>\n<div id=\"app\"></div>\n<script src=\"src/app.js\"></script>\n</body>\n</html>\n"
	js := "const app = document.getElementById('app');\nlet total = 0;\napp.textContent = 'Hello';\n"
	res := Result{
		Narrative: "Generated a starter project.",
		Proposals: []patch.Proposal{
			{Path: "README.md", Action: patch.ActionCreate, NewBody: readme},
			{Path: "index.html", Action: patch.ActionCreate, NewBody: html},
			{Path: "src/app.js", Action: patch.ActionCreate, NewBody: js},
		},
		References: []string{"src/app.js"},
	}
	if strings.EqualFold(req.ProjectType, "fullstack") {
		res.Proposals = append(res.Proposals, patch.Proposal{
			Path:    "server/index.js",
			Action:  patch.ActionCreate,
			NewBody: "const http = require('http');\nhttp.createServer((req, res) => res.end('ok')).listen(process.env.PORT || 3000);\n",
		})
		res.Fixups = []patch.Proposal{{
			Path:    "README.md",
			Action:  patch.ActionModify,
			NewBody: readme + "\nRun `node server/index.js` to start the API.\n",
		}}
	}
	return res
}

func fakeTurn(req Request) Result {
	m := renamePattern.FindStringSubmatch(req.Message)
	if m == nil {
		return Result{
			Narrative: "I looked at the project but did not change any files.",
			FollowUps: []string{"Try: rename variable x to total"},
		}
	}
	from := regexp.MustCompile(`\b` + regexp.QuoteMeta(m[1]) + `\b`)
	res := Result{Narrative: fmt.Sprintf("Renamed %s to %s.", m[1], m[2])}
	for _, f := range req.Files {
		if !from.MatchString(f.Body) {
			continue
		}
		res.Proposals = append(res.Proposals, patch.Proposal{
			Path:                f.Path,
			Action:              patch.ActionModify,
			NewBody:             from.ReplaceAllString(f.Body, m[2]),
			ExpectedFingerprint: f.Fingerprint,
		})
	}
	if len(res.Proposals) == 0 {
		res.Narrative = fmt.Sprintf("No file in context mentions %s.", m[1])
	}
	return res
}

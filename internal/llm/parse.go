package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"codeforge/internal/patch"
)

// wireResult accepts the canonical field names plus the looser shapes
// models tend to produce ("files" with "content", "edits").
type wireResult struct {
	Narrative  string          `json:"narrative"`
	Message    string          `json:"message"`
	Questions  []string        `json:"questions"`
	Proposals  []wireProposal  `json:"proposals"`
	Files      []wireProposal  `json:"files"`
	Edits      []wireProposal  `json:"edits"`
	Fixups     []wireProposal  `json:"fixups"`
	References []string        `json:"references"`
	FollowUps  []string        `json:"followUps"`
}

type wireProposal struct {
	Path                string  `json:"path"`
	Action              string  `json:"action"`
	NewBody             *string `json:"newBody"`
	Content             *string `json:"content"`
	ExpectedFingerprint string  `json:"expectedFingerprint"`
}

func (w wireProposal) proposal(defaultAction patch.Action) patch.Proposal {
	p := patch.Proposal{
		Path:                strings.TrimSpace(w.Path),
		Action:              patch.Action(strings.ToLower(strings.TrimSpace(w.Action))),
		ExpectedFingerprint: strings.TrimSpace(w.ExpectedFingerprint),
	}
	switch {
	case w.NewBody != nil:
		p.NewBody = *w.NewBody
	case w.Content != nil:
		p.NewBody = *w.Content
	}
	if p.Action == "" {
		p.Action = defaultAction
	}
	return p
}

// ParseResult decodes a model response into a Result. Markdown code fences
// and leading prose around the JSON object are tolerated. Failures are
// permanent: the same prompt is not expected to fix malformed output.
func ParseResult(raw []byte) (Result, error) {
	body, err := extractJSONObject(raw)
	if err != nil {
		return Result{}, &PermanentError{Err: err}
	}
	var w wireResult
	if err := json.Unmarshal(body, &w); err != nil {
		return Result{}, &PermanentError{Err: fmt.Errorf("%w: %v", ErrInvalidJSON, err)}
	}
	out := Result{
		Narrative:  strings.TrimSpace(w.Narrative),
		Questions:  compactStrings(w.Questions),
		References: compactStrings(w.References),
		FollowUps:  compactStrings(w.FollowUps),
	}
	if out.Narrative == "" {
		out.Narrative = strings.TrimSpace(w.Message)
	}
	for _, group := range [][]wireProposal{w.Proposals, w.Files, w.Edits} {
		for _, p := range group {
			out.Proposals = append(out.Proposals, p.proposal(patch.ActionCreate))
		}
	}
	for _, p := range w.Fixups {
		out.Fixups = append(out.Fixups, p.proposal(patch.ActionModify))
	}
	return out, nil
}

func extractJSONObject(raw []byte) ([]byte, error) {
	s := bytes.TrimSpace(raw)
	if len(s) == 0 {
		return nil, ErrEmptyOutput
	}
	if bytes.HasPrefix(s, []byte("```")) {
		s = bytes.TrimPrefix(s, []byte("```"))
		if nl := bytes.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = bytes.TrimSuffix(bytes.TrimSpace(s), []byte("```"))
	}
	start := bytes.IndexByte(s, '{')
	end := bytes.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidJSON)
	}
	return s[start : end+1], nil
}

func compactStrings(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

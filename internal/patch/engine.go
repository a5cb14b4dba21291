// Package patch applies edit proposals to a filestore.Store. Each proposal is
// gated on its expected fingerprint and succeeds or fails on its own; there
// is no batch transaction.
package patch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"codeforge/internal/filestore"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Proposal is one requested file mutation. NewBody is ignored for deletes.
type Proposal struct {
	Path                string `json:"path"`
	Action              Action `json:"action"`
	NewBody             string `json:"newBody,omitempty"`
	ExpectedFingerprint string `json:"expectedFingerprint,omitempty"`
}

// AppliedFile describes the stored state after a successful proposal.
type AppliedFile struct {
	Path                string `json:"path"`
	Action              Action `json:"action"`
	Fingerprint         string `json:"fingerprint,omitempty"`
	PreviousFingerprint string `json:"previousFingerprint,omitempty"`
	Size                int64  `json:"size"`
	Body                []byte `json:"-"`
	Deleted             bool   `json:"deleted,omitempty"`
}

// Rejection describes a proposal that was not applied.
type Rejection struct {
	Path   string `json:"path"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Result reports per-path outcomes of a batch in proposal order.
type Result struct {
	Applied  []AppliedFile `json:"applied"`
	Rejected []Rejection   `json:"rejected"`
}

func (r Result) AppliedPaths() []string {
	out := make([]string, 0, len(r.Applied))
	for _, a := range r.Applied {
		out = append(out, a.Path)
	}
	return out
}

func (r *Result) merge(other Result) {
	r.Applied = append(r.Applied, other.Applied...)
	r.Rejected = append(r.Rejected, other.Rejected...)
}

// Policy tunes create semantics.
type Policy struct {
	// DisallowCreateOverwrite rejects create proposals whose path exists
	// instead of treating them as modify.
	DisallowCreateOverwrite bool
}

type Engine struct {
	policy Policy
}

func New(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Apply applies proposals in order. A rejected proposal never prevents the
// remaining ones from being attempted.
func (e *Engine) Apply(ctx context.Context, store filestore.Store, projectID string, proposals []Proposal) Result {
	var res Result
	for _, p := range proposals {
		applied, err := e.applyOne(ctx, store, projectID, p)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{
				Path:   strings.TrimSpace(p.Path),
				Action: p.Action,
				Reason: err.Error(),
				Err:    err,
			})
			continue
		}
		res.Applied = append(res.Applied, applied)
	}
	return res
}

// WriteFile is the direct-edit entry point: a create-or-modify of one path.
// Without an expected fingerprint the write is unconditional.
func (e *Engine) WriteFile(ctx context.Context, store filestore.Store, projectID, path, body, expected string) (filestore.FileRecord, error) {
	p, err := filestore.NormalizePath(path)
	if err != nil {
		return filestore.FileRecord{}, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	rec, err := store.Write(ctx, projectID, p, []byte(body), filestore.Precondition{IfMatch: strings.TrimSpace(expected)})
	if err != nil {
		return filestore.FileRecord{}, translateStoreError(p, expected, err)
	}
	return rec, nil
}

func (e *Engine) applyOne(ctx context.Context, store filestore.Store, projectID string, p Proposal) (AppliedFile, error) {
	path, err := filestore.NormalizePath(p.Path)
	if err != nil {
		return AppliedFile{}, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	expected := strings.TrimSpace(p.ExpectedFingerprint)
	action := Action(strings.ToLower(strings.TrimSpace(string(p.Action))))

	switch action {
	case ActionCreate, ActionModify:
		pre := filestore.Precondition{IfMatch: expected}
		if action == ActionModify {
			pre.IfExists = true
		} else if e.policy.DisallowCreateOverwrite {
			pre.IfNotExists = true
		}
		prev := currentFingerprint(ctx, store, projectID, path)
		rec, err := store.Write(ctx, projectID, path, []byte(p.NewBody), pre)
		if err != nil {
			return AppliedFile{}, translateStoreError(path, expected, err)
		}
		return AppliedFile{
			Path:                rec.Path,
			Action:              action,
			Fingerprint:         rec.Fingerprint,
			PreviousFingerprint: prev,
			Size:                rec.Size,
			Body:                rec.Body,
		}, nil
	case ActionDelete:
		rec, err := store.Delete(ctx, projectID, path, filestore.Precondition{IfMatch: expected})
		if err != nil {
			return AppliedFile{}, translateStoreError(path, expected, err)
		}
		return AppliedFile{
			Path:                rec.Path,
			Action:              action,
			PreviousFingerprint: rec.Fingerprint,
			Deleted:             true,
		}, nil
	default:
		return AppliedFile{}, fmt.Errorf("%w: unknown action %q for %s", ErrInvalidProposal, p.Action, path)
	}
}

// currentFingerprint is informational only; the store re-checks the
// precondition atomically.
func currentFingerprint(ctx context.Context, store filestore.Store, projectID, path string) string {
	rec, err := store.Get(ctx, projectID, path)
	if err != nil {
		return ""
	}
	return rec.Fingerprint
}

func translateStoreError(path, expected string, err error) error {
	var mismatch *filestore.MismatchError
	switch {
	case errors.As(err, &mismatch):
		return &ConflictError{Path: path, Expected: mismatch.Expected, Actual: mismatch.Actual}
	case errors.Is(err, filestore.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case errors.Is(err, filestore.ErrExists):
		return fmt.Errorf("%w: %s", ErrCreateExisting, path)
	case errors.Is(err, filestore.ErrInvalidPath):
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	default:
		if expected != "" {
			return fmt.Errorf("apply %s (expected %s): %w", path, expected, err)
		}
		return fmt.Errorf("apply %s: %w", path, err)
	}
}

// FillExpected returns a copy of proposals where every proposal without an
// expected fingerprint is pinned to current[path]. Paths absent from current
// are left unpinned.
func FillExpected(proposals []Proposal, current map[string]string) []Proposal {
	out := make([]Proposal, len(proposals))
	for i, p := range proposals {
		out[i] = p
		if strings.TrimSpace(p.ExpectedFingerprint) != "" {
			continue
		}
		path, err := filestore.NormalizePath(p.Path)
		if err != nil {
			continue
		}
		if fp, ok := current[path]; ok {
			out[i].ExpectedFingerprint = fp
		}
	}
	return out
}

package patch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"codeforge/internal/filestore"
)

// GroupEdit writes one body to every member of a group of files that share
// identical content and an identifier, e.g. a component duplicated across
// generated instances.
type GroupEdit struct {
	Identifier          string   `json:"identifier"`
	Paths               []string `json:"paths,omitempty"`
	NewBody             string   `json:"newBody"`
	ExpectedFingerprint string   `json:"expectedFingerprint,omitempty"`
}

// FindGroup returns the paths whose body contains identifier and whose
// fingerprint equals fp. With an empty fp the matching files must all share
// one fingerprint.
func (e *Engine) FindGroup(ctx context.Context, store filestore.Store, projectID, identifier, fp string) ([]string, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, "", fmt.Errorf("%w: identifier is required", ErrInvalidProposal)
	}
	files, err := store.Snapshot(ctx, projectID)
	if err != nil {
		return nil, "", err
	}
	fp = strings.TrimSpace(fp)
	byFingerprint := map[string][]string{}
	for _, f := range files {
		if !strings.Contains(string(f.Body), identifier) {
			continue
		}
		if fp != "" && f.Fingerprint != fp {
			continue
		}
		byFingerprint[f.Fingerprint] = append(byFingerprint[f.Fingerprint], f.Path)
	}
	switch len(byFingerprint) {
	case 0:
		return nil, "", fmt.Errorf("%w: no file contains %q", ErrEmptyGroup, identifier)
	case 1:
		for shared, paths := range byFingerprint {
			sort.Strings(paths)
			return paths, shared, nil
		}
	}
	return nil, "", fmt.Errorf("%w: files containing %q have diverged (%d distinct bodies)", ErrInvalidProposal, identifier, len(byFingerprint))
}

// ApplyGroup applies edit to each member individually. Members are checked
// against the shared expected fingerprint one by one, so a member that moved
// is rejected while the others still apply.
func (e *Engine) ApplyGroup(ctx context.Context, store filestore.Store, projectID string, edit GroupEdit) (Result, error) {
	identifier := strings.TrimSpace(edit.Identifier)
	if identifier == "" {
		return Result{}, fmt.Errorf("%w: identifier is required", ErrInvalidProposal)
	}
	expected := strings.TrimSpace(edit.ExpectedFingerprint)
	paths := edit.Paths
	if len(paths) == 0 {
		found, shared, err := e.FindGroup(ctx, store, projectID, identifier, expected)
		if err != nil {
			return Result{}, err
		}
		paths = found
		expected = shared
	}

	var res Result
	var proposals []Proposal
	for _, raw := range paths {
		path, err := filestore.NormalizePath(raw)
		if err != nil {
			res.Rejected = append(res.Rejected, rejection(raw, fmt.Errorf("%w: %v", ErrInvalidProposal, err)))
			continue
		}
		rec, err := store.Get(ctx, projectID, path)
		if err != nil {
			res.Rejected = append(res.Rejected, rejection(path, translateStoreError(path, expected, err)))
			continue
		}
		if !strings.Contains(string(rec.Body), identifier) {
			res.Rejected = append(res.Rejected, rejection(path, fmt.Errorf("%w: %s does not contain %q", ErrNotGroupMember, path, identifier)))
			continue
		}
		if expected == "" {
			expected = rec.Fingerprint
		}
		proposals = append(proposals, Proposal{
			Path:                path,
			Action:              ActionModify,
			NewBody:             edit.NewBody,
			ExpectedFingerprint: expected,
		})
	}
	if len(proposals) == 0 && len(res.Rejected) == 0 {
		return Result{}, ErrEmptyGroup
	}
	res.merge(e.Apply(ctx, store, projectID, proposals))
	return res, nil
}

func rejection(path string, err error) Rejection {
	return Rejection{Path: path, Action: ActionModify, Reason: err.Error(), Err: err}
}

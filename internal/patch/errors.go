package patch

import (
	"errors"
	"fmt"
)

var (
	ErrConflict        = errors.New("fingerprint conflict")
	ErrNotFound        = errors.New("target file not found")
	ErrInvalidProposal = errors.New("invalid edit proposal")
	ErrCreateExisting  = errors.New("create on existing path is not allowed")
	ErrNotGroupMember  = errors.New("path is not a member of the edit group")
	ErrEmptyGroup      = errors.New("edit group has no members")
)

// ConflictError reports that a proposal's expected fingerprint no longer
// matches the stored file. Callers must re-read and resubmit.
type ConflictError struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (e *ConflictError) Error() string {
	actual := e.Actual
	if actual == "" {
		actual = "<absent>"
	}
	return fmt.Sprintf("conflict on %s: expected %s, current %s", e.Path, e.Expected, actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

package pipeline

import (
	"errors"
	"fmt"

	"codeforge/internal/job"
)

var (
	ErrMissingAnswers  = errors.New("every clarification question needs an answer")
	ErrProjectBusy     = errors.New("project already has an active job")
	ErrNoProposals     = errors.New("completion produced no files")
	ErrNothingApplied  = errors.New("no proposed file could be applied")
	ErrEmptyProject    = errors.New("project has no files")
	ErrDanglingRefs    = errors.New("referenced files are missing")
	ErrClarifyTimeout  = errors.New("clarification was not answered in time")
	ErrInterrupted     = errors.New("interrupted by restart")
	ErrUnknownStage    = errors.New("no handler for stage")
	ErrNoPublisher     = errors.New("no publisher configured")
)

// FatalError ends a job in ERROR. Files applied before the failure stay in
// the project.
type FatalError struct {
	Stage job.Status
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(stage job.Status, err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Stage: stage, Err: err}
}

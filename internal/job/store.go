package job

import (
	"context"
	"strings"
)

// Filter selects jobs in List. Empty fields match everything.
type Filter struct {
	ProjectID string
	Statuses  []Status
}

func (f Filter) match(j *Job) bool {
	if f.ProjectID != "" && j.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// Store persists jobs keyed by id. Update runs fn on a private copy under a
// per-job lock and commits only when fn returns nil, so check-and-transition
// is atomic. Get and List return deep copies.
type Store interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	Update(ctx context.Context, id string, fn func(*Job) error) (Job, error)
	List(ctx context.Context, filter Filter) ([]Job, error)
}

// NonTerminal lists the statuses a job can be in before it finishes.
func NonTerminal() []Status {
	return []Status{
		StatusQueued, StatusPreflight, StatusClarifying, StatusGenerating, StatusPatching,
		StatusValidating, StatusSecurityCheck, StatusFixing, StatusSaving,
	}
}

func normalizeID(id string) string { return strings.TrimSpace(id) }

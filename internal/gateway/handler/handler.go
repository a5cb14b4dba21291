// Package handler exposes jobs, project files and live sessions over HTTP.
package handler

import (
	"context"

	"codeforge/internal/agent"
	"codeforge/internal/filestore"
	"codeforge/internal/job"
	"codeforge/internal/patch"
	"codeforge/internal/pipeline"
)

// Jobs is the orchestrator surface used by the job endpoints.
type Jobs interface {
	Create(ctx context.Context, req pipeline.CreateRequest) (job.Job, error)
	Status(ctx context.Context, jobID string) (job.Job, error)
	Continue(ctx context.Context, jobID string, answers map[string]string) error
}

// Sessions opens live agent sessions.
type Sessions interface {
	Open(ctx context.Context, projectID string) (*agent.Session, error)
}

type Handler struct {
	jobs     Jobs
	files    filestore.Store
	engine   *patch.Engine
	sessions Sessions
}

func New(jobs Jobs, files filestore.Store, engine *patch.Engine, sessions Sessions) *Handler {
	if engine == nil {
		engine = patch.New(patch.Policy{})
	}
	return &Handler{jobs: jobs, files: files, engine: engine, sessions: sessions}
}

package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"codeforge/internal/job"
	"codeforge/internal/pipeline"
	"codeforge/internal/security"
)

type createJobRequest struct {
	Prompt      string `json:"prompt"`
	ProjectType string `json:"projectType"`
	OwnerRef    string `json:"ownerRef,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
}

type createJobResponse struct {
	JobID     string `json:"jobId"`
	ProjectID string `json:"projectId"`
}

type jobView struct {
	JobID                  string             `json:"jobId"`
	ProjectID              string             `json:"projectId"`
	Status                 job.Status         `json:"status"`
	CurrentStage           job.Status         `json:"currentStage"`
	Timeline               []job.TimelineStep `json:"timeline"`
	Chat                   []job.ChatMessage  `json:"chat"`
	Findings               []security.Finding `json:"findings"`
	OpenFindings           int                `json:"openFindings"`
	FixIterations          int                `json:"fixIterations"`
	ClarificationQuestions []string           `json:"clarificationQuestions,omitempty"`
	ResultRef              string             `json:"resultRef,omitempty"`
	Error                  string             `json:"error,omitempty"`
	CreatedAt              time.Time          `json:"createdAt"`
	UpdatedAt              time.Time          `json:"updatedAt"`
}

func newJobView(j job.Job) jobView {
	v := jobView{
		JobID:         j.ID,
		ProjectID:     j.ProjectID,
		Status:        j.Status,
		CurrentStage:  j.CurrentStage(),
		Timeline:      j.Timeline,
		Chat:          j.Chat,
		Findings:      security.SortForDisplay(j.Findings),
		OpenFindings:  security.OpenCount(j.Findings),
		FixIterations: j.FixIterations,
		ResultRef:     j.ResultRef,
		Error:         j.ErrorDetail,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if v.Timeline == nil {
		v.Timeline = []job.TimelineStep{}
	}
	if v.Chat == nil {
		v.Chat = []job.ChatMessage{}
	}
	if j.Status == job.StatusClarifying && j.Clarification != nil {
		v.ClarificationQuestions = j.Clarification.Questions
	}
	return v
}

// CreateJob handles POST /v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	j, err := h.jobs.Create(r.Context(), pipeline.CreateRequest{
		Prompt:      req.Prompt,
		ProjectType: req.ProjectType,
		OwnerRef:    req.OwnerRef,
		ProjectID:   req.ProjectID,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: j.ID, ProjectID: j.ProjectID})
}

// GetJob handles GET /v1/jobs/{jobID}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Status(r.Context(), strings.TrimSpace(chi.URLParam(r, "jobID")))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(j))
}

// ContinueJob handles POST /v1/jobs/{jobID}/continue.
func (h *Handler) ContinueJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers map[string]string `json:"answers"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if err := h.jobs.Continue(r.Context(), strings.TrimSpace(chi.URLParam(r, "jobID")), req.Answers); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

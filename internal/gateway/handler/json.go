package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"codeforge/internal/agent"
	"codeforge/internal/filestore"
	"codeforge/internal/job"
	"codeforge/internal/patch"
	"codeforge/internal/pipeline"
)

const maxBodyBytes = 8 << 20

type errorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// writeFailure maps domain errors to a status and machine-readable code.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *patch.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:    err.Error(),
			Code:     "conflict",
			Expected: conflict.Expected,
			Actual:   conflict.Actual,
		})
		return
	}
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, pipeline.ErrMissingAnswers):
		writeError(w, http.StatusBadRequest, "missing_answers", err.Error())
	case errors.Is(err, job.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, pipeline.ErrProjectBusy), errors.Is(err, agent.ErrProjectBusy):
		writeError(w, http.StatusConflict, "project_busy", err.Error())
	case errors.Is(err, job.ErrNotFound), errors.Is(err, patch.ErrNotFound),
		errors.Is(err, filestore.ErrNotFound), errors.Is(err, agent.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, patch.ErrInvalidProposal), errors.Is(err, patch.ErrEmptyGroup),
		errors.Is(err, patch.ErrCreateExisting), errors.Is(err, filestore.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	default:
		log.Printf("%s %s failed: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"codeforge/internal/filestore"
	"codeforge/internal/patch"
)

type fileView struct {
	Path        string `json:"path"`
	Body        string `json:"body"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
}

type putFileRequest struct {
	Body                string `json:"body"`
	ExpectedFingerprint string `json:"expectedFingerprint,omitempty"`
}

type putFileResponse struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
}

type groupEditRequest struct {
	Identifier          string   `json:"identifier"`
	Paths               []string `json:"paths,omitempty"`
	Body                string   `json:"body"`
	ExpectedFingerprint string   `json:"expectedFingerprint,omitempty"`
}

type groupMemberResult struct {
	Path        string `json:"path"`
	Applied     bool   `json:"applied"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Code        string `json:"code,omitempty"`
	Error       string `json:"error,omitempty"`
}

func projectID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "projectID"))
}

// filePath extracts the file path after /files/. Encoded slashes are
// accepted.
func filePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListFiles handles GET /v1/projects/{projectID}/files.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.files.List(r.Context(), projectID(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if files == nil {
		files = []filestore.FileInfo{}
	}
	writeJSON(w, http.StatusOK, files)
}

// GetFile handles GET /v1/projects/{projectID}/files/*.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	p := filePath(r)
	if p == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "path is required")
		return
	}
	rec, err := h.files.Get(r.Context(), projectID(r), p)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fileView{Path: rec.Path, Body: string(rec.Body), Fingerprint: rec.Fingerprint, Size: rec.Size})
}

// PutFile handles PUT /v1/projects/{projectID}/files/*. A stale
// expectedFingerprint yields 409 with the current fingerprint.
func (h *Handler) PutFile(w http.ResponseWriter, r *http.Request) {
	p := filePath(r)
	if p == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "path is required")
		return
	}
	var req putFileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	rec, err := h.engine.WriteFile(r.Context(), h.files, projectID(r), p, req.Body, req.ExpectedFingerprint)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, putFileResponse{Path: rec.Path, Fingerprint: rec.Fingerprint, Size: rec.Size})
}

// ApplyGroup handles POST /v1/projects/{projectID}/groups.
func (h *Handler) ApplyGroup(w http.ResponseWriter, r *http.Request) {
	var req groupEditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	res, err := h.engine.ApplyGroup(r.Context(), h.files, projectID(r), patch.GroupEdit{
		Identifier:          req.Identifier,
		Paths:               req.Paths,
		NewBody:             req.Body,
		ExpectedFingerprint: req.ExpectedFingerprint,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	out := make([]groupMemberResult, 0, len(res.Applied)+len(res.Rejected))
	for _, a := range res.Applied {
		out = append(out, groupMemberResult{Path: a.Path, Applied: true, Fingerprint: a.Fingerprint})
	}
	for _, rej := range res.Rejected {
		out = append(out, groupMemberResult{Path: rej.Path, Code: memberCode(rej.Err), Error: rej.Reason})
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": out})
}

func memberCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, patch.ErrConflict):
		return "conflict"
	case errors.Is(err, patch.ErrNotFound):
		return "not_found"
	case errors.Is(err, patch.ErrNotGroupMember):
		return "not_member"
	default:
		return "invalid_argument"
	}
}

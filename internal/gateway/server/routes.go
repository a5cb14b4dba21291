package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"codeforge/internal/gateway/handler"
	"codeforge/internal/gateway/middleware"
)

func NewRouter(h *handler.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		// Jobs
		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs/{jobID}", h.GetJob)
		r.Post("/jobs/{jobID}/continue", h.ContinueJob)

		// Project files
		r.Get("/projects/{projectID}/files", h.ListFiles)
		r.Get("/projects/{projectID}/files/*", h.GetFile)
		r.Put("/projects/{projectID}/files/*", h.PutFile)
		r.Post("/projects/{projectID}/groups", h.ApplyGroup)

		// Live agent session
		r.Get("/projects/{projectID}/session", h.HandleSession)
	})
	return r
}

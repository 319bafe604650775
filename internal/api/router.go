package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/docpipe/docpipe/internal/api/middleware"
	"github.com/docpipe/docpipe/internal/api/response"
	"github.com/docpipe/docpipe/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler     http.HandlerFunc
	UploadHandler     http.HandlerFunc
	ListFilesHandler  http.HandlerFunc
	GetFileHandler    http.HandlerFunc
	ResultsHandler    http.HandlerFunc
	ReprocessHandler  http.HandlerFunc
	ResumeHandler     http.HandlerFunc
	DeleteFileHandler http.HandlerFunc
	ResetStuckHandler http.HandlerFunc
	CreateKeyHandler  http.HandlerFunc
	ListKeysHandler   http.HandlerFunc
	RevokeKeyHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/files", orNotImplemented(deps.UploadHandler))
		r.Get("/api/v1/files", orNotImplemented(deps.ListFilesHandler))
		r.Get("/api/v1/files/{fileID}", orNotImplemented(deps.GetFileHandler))
		r.Get("/api/v1/files/{fileID}/results", orNotImplemented(deps.ResultsHandler))
		r.Post("/api/v1/files/{fileID}/reprocess", orNotImplemented(deps.ReprocessHandler))
		r.Post("/api/v1/files/{fileID}/resume", orNotImplemented(deps.ResumeHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Delete("/api/v1/files/{fileID}", orNotImplemented(deps.DeleteFileHandler))
			r.Post("/api/v1/maintenance/reset-stuck", orNotImplemented(deps.ResetStuckHandler))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

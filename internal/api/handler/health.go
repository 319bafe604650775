package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/docpipe/docpipe/internal/api/response"
	"github.com/docpipe/docpipe/internal/cache"
	"github.com/docpipe/docpipe/internal/store"
)

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// Redis being down degrades the service but does not fail the check; the
// database being down does.
func NewHealthHandler(st store.Store, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "up"
		if err := st.Ping(ctx); err != nil {
			dbStatus = "down"
		}
		cacheStatus := "up"
		if err := ca.Ping(ctx); err != nil {
			cacheStatus = "down"
		}

		body := map[string]string{
			"status":   "ok",
			"database": dbStatus,
			"cache":    cacheStatus,
		}
		if dbStatus == "down" {
			body["status"] = "degraded"
			response.Error(w, http.StatusServiceUnavailable,
				"SERVICE_UNAVAILABLE", "Database is unreachable", body)
			return
		}
		if cacheStatus == "down" {
			body["status"] = "degraded"
		}
		response.JSON(w, body)
	}
}

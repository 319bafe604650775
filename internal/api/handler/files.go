package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/api/response"
	"github.com/docpipe/docpipe/internal/pipeline"
	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/volume"
	"github.com/docpipe/docpipe/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Pipeline defines the orchestration operations the file handlers depend on.
type Pipeline interface {
	StartFresh(ctx context.Context, upload pipeline.UploadFile) (*models.FileStatus, error)
	StartReprocess(ctx context.Context, fileID uuid.UUID) (*models.FileStatus, error)
	StartResume(ctx context.Context, fileID uuid.UUID, stage models.Stage) (*models.FileStatus, error)
	ResetStuck(ctx context.Context) (int, error)
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/files.
// The file is accepted, recorded, and processed in the background.
func NewUploadHandler(p Pipeline, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				response.Error(w, http.StatusRequestEntityTooLarge,
					"FILE_TOO_LARGE", "Uploaded file exceeds the size limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "Expected a multipart form with a file field", nil)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "file is required", nil)
			return
		}
		defer file.Close()

		if header.Filename == "" {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "filename is required", nil)
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				response.Error(w, http.StatusRequestEntityTooLarge,
					"FILE_TOO_LARGE", "Uploaded file exceeds the size limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "Failed to read uploaded file", nil)
			return
		}
		if len(data) == 0 {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "Uploaded file is empty", nil)
			return
		}

		status, err := p.StartFresh(r.Context(), pipeline.UploadFile{
			Filename: header.Filename,
			Data:     data,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to register file for processing", nil)
			return
		}

		response.Accepted(w, status)
	}
}

// NewListFilesHandler returns an http.HandlerFunc for GET /api/v1/files.
func NewListFilesHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := store.FileFilter{
			Status: q.Get("status"),
			Page:   1,
			Limit:  defaultPageLimit,
		}
		if filter.Status != "" {
			switch filter.Status {
			case models.FileStatusPending, models.FileStatusProcessing,
				models.FileStatusCompleted, models.FileStatusFailed:
			default:
				response.Error(w, http.StatusBadRequest,
					"INVALID_REQUEST", "Unknown status filter", nil)
				return
			}
		}
		if v := q.Get("page"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				filter.Page = n
			}
		}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				filter.Limit = min(n, maxPageLimit)
			}
		}
		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.Error(w, http.StatusBadRequest,
					"INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
				return
			}
			filter.Since = t
		}

		files, total, err := st.ListFileStatuses(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to list files", nil)
			return
		}
		if files == nil {
			files = []*models.FileStatus{}
		}

		response.Collection(w, files, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewGetFileHandler returns an http.HandlerFunc for GET /api/v1/files/{fileID}.
func NewGetFileHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID, ok := parseFileID(w, r)
		if !ok {
			return
		}

		f, err := st.GetFileStatus(r.Context(), fileID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"FILE_NOT_FOUND", "No file with that id", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to fetch file status", nil)
			return
		}

		response.JSON(w, f)
	}
}

// NewResultsHandler returns an http.HandlerFunc for
// GET /api/v1/files/{fileID}/results.
func NewResultsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID, ok := parseFileID(w, r)
		if !ok {
			return
		}

		results, err := st.GetResults(r.Context(), fileID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"FILE_NOT_FOUND", "No results for that file id", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to fetch results", nil)
			return
		}

		response.JSON(w, results)
	}
}

// NewReprocessHandler returns an http.HandlerFunc for
// POST /api/v1/files/{fileID}/reprocess. The file already in the volume is
// rerun from scratch; prior results are replaced.
func NewReprocessHandler(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID, ok := parseFileID(w, r)
		if !ok {
			return
		}

		f, err := p.StartReprocess(r.Context(), fileID)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		response.Accepted(w, f)
	}
}

// NewResumeHandler returns an http.HandlerFunc for
// POST /api/v1/files/{fileID}/resume. Stored results for stages before the
// requested one are reused.
func NewResumeHandler(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID, ok := parseFileID(w, r)
		if !ok {
			return
		}

		var req struct {
			Stage string `json:"stage"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Stage == "" {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "stage is required", nil)
			return
		}

		f, err := p.StartResume(r.Context(), fileID, models.Stage(req.Stage))
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		response.Accepted(w, f)
	}
}

// NewDeleteFileHandler returns an http.HandlerFunc for
// DELETE /api/v1/files/{fileID}. Removes the status and result records and
// the uploaded file in the volume.
func NewDeleteFileHandler(st store.Store, vol volume.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID, ok := parseFileID(w, r)
		if !ok {
			return
		}

		f, err := st.GetFileStatus(r.Context(), fileID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"FILE_NOT_FOUND", "No file with that id", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to fetch file status", nil)
			return
		}

		// Volume cleanup is best effort; the records go regardless.
		if f.VolumePath != nil && *f.VolumePath != "" {
			if err := vol.Delete(r.Context(), *f.VolumePath); err != nil {
				logger.Error("deleting volume file", "file_id", fileID,
					"volume_path", *f.VolumePath, "error", err)
			}
		}

		// The two tables are not coupled by a constraint; delete both rows.
		if err := st.DeleteResultRecord(r.Context(), fileID); err != nil && !errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to delete result record", nil)
			return
		}
		if err := st.DeleteFileRecord(r.Context(), fileID); err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to delete file record", nil)
			return
		}

		response.JSON(w, map[string]any{"file_id": fileID, "deleted": true})
	}
}

// NewResetStuckHandler returns an http.HandlerFunc for
// POST /api/v1/maintenance/reset-stuck. Files left in the processing state
// by a crashed or restarted server are marked failed.
func NewResetStuckHandler(p Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := p.ResetStuck(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to reset stuck files", nil)
			return
		}
		response.JSON(w, map[string]any{"reset_count": n})
	}
}

func parseFileID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "fileID")
	fileID, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest,
			"INVALID_REQUEST", "fileID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return fileID, true
}

func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrFileNotFound):
		response.Error(w, http.StatusNotFound,
			"FILE_NOT_FOUND", "No file with that id", nil)
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		response.Error(w, http.StatusConflict,
			"ALREADY_PROCESSING", "The file is already being processed", nil)
	case errors.Is(err, pipeline.ErrInvalidStage):
		response.Error(w, http.StatusBadRequest,
			"INVALID_STAGE", "Resume stage must be parse, categorize, extract, or deidentify", nil)
	default:
		response.Error(w, http.StatusInternalServerError,
			"INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

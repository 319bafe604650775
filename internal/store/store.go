package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateFileRecord(ctx context.Context, f *models.FileStatus) error
	GetFileStatus(ctx context.Context, fileID uuid.UUID) (*models.FileStatus, error)
	ListFileStatuses(ctx context.Context, filter FileFilter) ([]*models.FileStatus, int, error)
	UpdateFileStatus(ctx context.Context, fileID uuid.UUID, opts ...FileUpdateOption) error
	MarkCompleted(ctx context.Context, fileID uuid.UUID, summary CompletionSummary) error
	MarkFailed(ctx context.Context, fileID uuid.UUID, stage models.Stage, errMsg string) error
	DeleteFileRecord(ctx context.Context, fileID uuid.UUID) error
	ResetStuckProcessing(ctx context.Context, reason string) (int, error)

	CreateResultRecord(ctx context.Context, r *models.FileResults) error
	UpdateResultSourcePath(ctx context.Context, fileID uuid.UUID, volumePath string) error
	UpdateStageResult(ctx context.Context, fileID uuid.UUID, stage models.Stage, payload string) error
	ClearStageResults(ctx context.Context, fileID uuid.UUID, from models.Stage) error
	GetResults(ctx context.Context, fileID uuid.UUID) (*models.FileResults, error)
	UpdateResultTraceID(ctx context.Context, fileID uuid.UUID, traceID string) error
	DeleteResultRecord(ctx context.Context, fileID uuid.UUID) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// FileFilter narrows and pages ListFileStatuses.
type FileFilter struct {
	Status string
	Since  time.Time
	Page   int
	Limit  int
}

// CompletionSummary carries the dashboard summary columns written when a
// pipeline run finishes successfully.
type CompletionSummary struct {
	PrimaryCategory string
	EntitiesCount   int
	PIIItemsMasked  int
}

// FileUpdate is the collected effect of a set of FileUpdateOptions.
type FileUpdate struct {
	Status       *string
	CurrentStage *models.Stage
	StageStatus  map[models.Stage]string
	TraceID      *string
	ExperimentID *string
	LogFilePath  *string
	VolumePath   *string
	StartTime    *time.Time
	ErrorMessage *string
	ClearError   bool
	ClearStages  []models.Stage
}

type FileUpdateOption func(*FileUpdate)

// CollectFileUpdate folds options into a FileUpdate. Used by the postgres
// store and by in-memory fakes.
func CollectFileUpdate(opts ...FileUpdateOption) *FileUpdate {
	p := &FileUpdate{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func WithStatus(status string) FileUpdateOption {
	return func(p *FileUpdate) { p.Status = &status }
}

func WithCurrentStage(stage models.Stage) FileUpdateOption {
	return func(p *FileUpdate) { p.CurrentStage = &stage }
}

func WithStageStatus(stage models.Stage, status string) FileUpdateOption {
	return func(p *FileUpdate) {
		if p.StageStatus == nil {
			p.StageStatus = make(map[models.Stage]string)
		}
		p.StageStatus[stage] = status
	}
}

func WithTraceID(traceID string) FileUpdateOption {
	return func(p *FileUpdate) { p.TraceID = &traceID }
}

func WithExperimentID(id string) FileUpdateOption {
	return func(p *FileUpdate) { p.ExperimentID = &id }
}

func WithLogFilePath(path string) FileUpdateOption {
	return func(p *FileUpdate) { p.LogFilePath = &path }
}

func WithVolumePath(path string) FileUpdateOption {
	return func(p *FileUpdate) { p.VolumePath = &path }
}

func WithStartTime(t time.Time) FileUpdateOption {
	return func(p *FileUpdate) { p.StartTime = &t }
}

func WithErrorMessage(msg string) FileUpdateOption {
	return func(p *FileUpdate) { p.ErrorMessage = &msg }
}

// WithClearError nulls the error column, used when a failed file restarts.
func WithClearError() FileUpdateOption {
	return func(p *FileUpdate) { p.ClearError = true }
}

// WithClearStageStatuses nulls the sub-status of each given stage, used when
// a reprocess or resume invalidates prior stage outcomes.
func WithClearStageStatuses(stages ...models.Stage) FileUpdateOption {
	return func(p *FileUpdate) { p.ClearStages = append(p.ClearStages, stages...) }
}

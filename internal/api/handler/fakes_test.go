package handler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/pipeline"
	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/pkg/models"
)

// stubPipeline implements Pipeline with canned responses.
type stubPipeline struct {
	status     *models.FileStatus
	err        error
	resetCount int

	gotUpload pipeline.UploadFile
	gotStage  models.Stage
}

func (p *stubPipeline) StartFresh(_ context.Context, upload pipeline.UploadFile) (*models.FileStatus, error) {
	p.gotUpload = upload
	return p.status, p.err
}

func (p *stubPipeline) StartReprocess(_ context.Context, _ uuid.UUID) (*models.FileStatus, error) {
	return p.status, p.err
}

func (p *stubPipeline) StartResume(_ context.Context, _ uuid.UUID, stage models.Stage) (*models.FileStatus, error) {
	p.gotStage = stage
	return p.status, p.err
}

func (p *stubPipeline) ResetStuck(_ context.Context) (int, error) {
	return p.resetCount, p.err
}

// stubStore implements store.Store with canned responses for the fields the
// handlers touch.
type stubStore struct {
	file    *models.FileStatus
	files   []*models.FileStatus
	total   int
	results *models.FileResults
	keys    []*models.APIKey
	err     error

	gotFilter       store.FileFilter
	createdKey      *models.APIKey
	deletedID       uuid.UUID
	deletedResultID uuid.UUID
	revokedID       uuid.UUID
}

func (s *stubStore) Ping(context.Context) error { return nil }

func (s *stubStore) CreateFileRecord(context.Context, *models.FileStatus) error { return s.err }

func (s *stubStore) GetFileStatus(_ context.Context, _ uuid.UUID) (*models.FileStatus, error) {
	if s.file == nil {
		return nil, store.ErrNotFound
	}
	return s.file, s.err
}

func (s *stubStore) ListFileStatuses(_ context.Context, filter store.FileFilter) ([]*models.FileStatus, int, error) {
	s.gotFilter = filter
	return s.files, s.total, s.err
}

func (s *stubStore) UpdateFileStatus(context.Context, uuid.UUID, ...store.FileUpdateOption) error {
	return s.err
}

func (s *stubStore) MarkCompleted(context.Context, uuid.UUID, store.CompletionSummary) error {
	return s.err
}

func (s *stubStore) MarkFailed(context.Context, uuid.UUID, models.Stage, string) error {
	return s.err
}

func (s *stubStore) DeleteFileRecord(_ context.Context, id uuid.UUID) error {
	s.deletedID = id
	return s.err
}

func (s *stubStore) ResetStuckProcessing(context.Context, string) (int, error) { return 0, s.err }

func (s *stubStore) CreateResultRecord(context.Context, *models.FileResults) error { return s.err }

func (s *stubStore) UpdateResultSourcePath(context.Context, uuid.UUID, string) error {
	return s.err
}

func (s *stubStore) UpdateStageResult(context.Context, uuid.UUID, models.Stage, string) error {
	return s.err
}

func (s *stubStore) ClearStageResults(context.Context, uuid.UUID, models.Stage) error {
	return s.err
}

func (s *stubStore) GetResults(_ context.Context, _ uuid.UUID) (*models.FileResults, error) {
	if s.results == nil {
		return nil, store.ErrNotFound
	}
	return s.results, s.err
}

func (s *stubStore) UpdateResultTraceID(context.Context, uuid.UUID, string) error { return s.err }

func (s *stubStore) DeleteResultRecord(_ context.Context, id uuid.UUID) error {
	s.deletedResultID = id
	return s.err
}

func (s *stubStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return s.keys, s.err
}

func (s *stubStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return s.err }

func (s *stubStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.createdKey = key
	return s.err
}

func (s *stubStore) ListAPIKeys(context.Context) ([]*models.APIKey, error) {
	return s.keys, s.err
}

func (s *stubStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	if s.err != nil {
		return s.err
	}
	s.revokedID = id
	return nil
}

// healthyCache implements cache.Cache for the health handler.
type healthyCache struct {
	pingErr error
}

func (c *healthyCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *healthyCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *healthyCache) Delete(context.Context, string) error                     { return nil }
func (c *healthyCache) Ping(context.Context) error                               { return c.pingErr }
func (c *healthyCache) SetFileStatus(context.Context, uuid.UUID, string, time.Duration) error {
	return nil
}
func (c *healthyCache) GetFileStatus(context.Context, uuid.UUID) (string, bool, error) {
	return "", false, nil
}
func (c *healthyCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

// stubVolume implements volume.Client.
type stubVolume struct {
	deletedPath string
	err         error
}

func (v *stubVolume) Upload(_ context.Context, filename string, _ []byte) (string, error) {
	return "/Volumes/main/docs/inbox/" + filename, v.err
}

func (v *stubVolume) Delete(_ context.Context, path string) error {
	v.deletedPath = path
	return v.err
}

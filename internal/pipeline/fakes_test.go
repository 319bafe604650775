package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/warehouse"
	"github.com/docpipe/docpipe/pkg/models"
)

// fakeStore is an in-memory store.Store for controller tests.
type fakeStore struct {
	mu      sync.Mutex
	files   map[uuid.UUID]*models.FileStatus
	results map[uuid.UUID]*models.FileResults

	// failUpdates makes every status side-write fail, for checking that the
	// pipeline keeps going anyway.
	failUpdates bool

	// failCreateFilename makes CreateFileRecord fail for one filename.
	failCreateFilename string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:   make(map[uuid.UUID]*models.FileStatus),
		results: make(map[uuid.UUID]*models.FileResults),
	}
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) CreateFileRecord(_ context.Context, f *models.FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateFilename != "" && f.Filename == s.failCreateFilename {
		return fmt.Errorf("injected create failure")
	}
	if _, ok := s.files[f.FileID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *f
	s.files[f.FileID] = &cp
	return nil
}

func (s *fakeStore) GetFileStatus(_ context.Context, id uuid.UUID) (*models.FileStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) ListFileStatuses(_ context.Context, filter store.FileFilter) ([]*models.FileStatus, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.FileStatus
	for _, f := range s.files {
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (s *fakeStore) UpdateFileStatus(_ context.Context, id uuid.UUID, opts ...store.FileUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates {
		return fmt.Errorf("injected update failure")
	}
	f, ok := s.files[id]
	if !ok {
		return store.ErrNotFound
	}
	applyFileUpdate(f, opts...)
	return nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, id uuid.UUID, summary store.CompletionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates {
		return fmt.Errorf("injected update failure")
	}
	f, ok := s.files[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	f.Status = models.FileStatusCompleted
	f.EndTime = &now
	f.ErrorMessage = nil
	f.PrimaryCategory = &summary.PrimaryCategory
	f.EntitiesCount = &summary.EntitiesCount
	f.PIIItemsMasked = &summary.PIIItemsMasked
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, stage models.Stage, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	failed := models.StageStatusFailed
	f.Status = models.FileStatusFailed
	f.CurrentStage = stage
	f.ErrorMessage = &msg
	f.EndTime = &now
	setStageStatus(f, stage, &failed)
	return nil
}

func (s *fakeStore) DeleteFileRecord(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.files, id)
	return nil
}

func (s *fakeStore) ResetStuckProcessing(_ context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.files {
		if f.Status == models.FileStatusProcessing {
			now := time.Now().UTC()
			f.Status = models.FileStatusFailed
			f.ErrorMessage = &reason
			f.EndTime = &now
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CreateResultRecord(_ context.Context, r *models.FileResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results[r.FileID] = &cp
	return nil
}

func (s *fakeStore) UpdateResultSourcePath(_ context.Context, id uuid.UUID, volumePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates {
		return fmt.Errorf("injected update failure")
	}
	r, ok := s.results[id]
	if !ok {
		return store.ErrNotFound
	}
	r.SourceVolumePath = &volumePath
	return nil
}

func (s *fakeStore) UpdateStageResult(_ context.Context, id uuid.UUID, stage models.Stage, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates {
		return fmt.Errorf("injected update failure")
	}
	r, ok := s.results[id]
	if !ok {
		return store.ErrNotFound
	}
	switch stage {
	case models.StageParse:
		r.ParseResult = &payload
	case models.StageCategorize:
		r.CategorizeResult = &payload
	case models.StageExtract:
		r.ExtractResult = &payload
	case models.StageDeidentify:
		r.DeidentifyResult = &payload
	default:
		return fmt.Errorf("stage %q has no result column", stage)
	}
	return nil
}

func (s *fakeStore) ClearStageResults(_ context.Context, id uuid.UUID, from models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return store.ErrNotFound
	}
	if from.Index() <= models.StageParse.Index() {
		r.ParseResult = nil
	}
	if from.Index() <= models.StageCategorize.Index() {
		r.CategorizeResult = nil
	}
	if from.Index() <= models.StageExtract.Index() {
		r.ExtractResult = nil
	}
	r.DeidentifyResult = nil
	return nil
}

func (s *fakeStore) GetResults(_ context.Context, id uuid.UUID) (*models.FileResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) UpdateResultTraceID(_ context.Context, id uuid.UUID, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return store.ErrNotFound
	}
	r.TraceID = &traceID
	return nil
}

func (s *fakeStore) DeleteResultRecord(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.results, id)
	return nil
}

func (s *fakeStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *fakeStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }
func (s *fakeStore) CreateAPIKey(context.Context, *models.APIKey) error    { return nil }
func (s *fakeStore) ListAPIKeys(context.Context) ([]*models.APIKey, error) { return nil, nil }
func (s *fakeStore) RevokeAPIKey(context.Context, uuid.UUID) error         { return nil }

func applyFileUpdate(f *models.FileStatus, opts ...store.FileUpdateOption) {
	// mirror the columns the real store touches, via the same options
	p := store.CollectFileUpdate(opts...)
	if p.Status != nil {
		f.Status = *p.Status
	}
	if p.CurrentStage != nil {
		f.CurrentStage = *p.CurrentStage
	}
	for stage, status := range p.StageStatus {
		st := status
		setStageStatus(f, stage, &st)
	}
	for _, stage := range p.ClearStages {
		setStageStatus(f, stage, nil)
	}
	if p.TraceID != nil {
		f.TraceID = p.TraceID
	}
	if p.VolumePath != nil {
		f.VolumePath = p.VolumePath
	}
	if p.StartTime != nil {
		f.StartTime = p.StartTime
		f.EndTime = nil
	}
	if p.ErrorMessage != nil {
		f.ErrorMessage = p.ErrorMessage
	}
	if p.ClearError {
		f.ErrorMessage = nil
	}
}

func setStageStatus(f *models.FileStatus, stage models.Stage, status *string) {
	switch stage {
	case models.StageIngest:
		f.StageIngestStatus = status
	case models.StageParse:
		f.StageParseStatus = status
	case models.StageCategorize:
		f.StageCategorizeStatus = status
	case models.StageExtract:
		f.StageExtractStatus = status
	case models.StageDeidentify:
		f.StageDeidentifyStatus = status
	}
}

// recordingObserver captures stage notifications for assertions.
type recordingObserver struct {
	mu       sync.Mutex
	started  []models.Stage
	finished []models.Stage
	errs     []error
}

func (o *recordingObserver) StageStarted(_ uuid.UUID, stage models.Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, stage)
}

func (o *recordingObserver) StageFinished(_ uuid.UUID, stage models.Stage, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, stage)
	o.errs = append(o.errs, err)
}

// fakeCache is an in-memory cache.Cache.
type fakeCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{statuses: make(map[uuid.UUID]string)}
}

func (c *fakeCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *fakeCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *fakeCache) Delete(context.Context, string) error                     { return nil }
func (c *fakeCache) Ping(context.Context) error                               { return nil }

func (c *fakeCache) SetFileStatus(_ context.Context, id uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = status
	return nil
}

func (c *fakeCache) GetFileStatus(_ context.Context, id uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.statuses[id]
	return v, ok, nil
}

func (c *fakeCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

// fakeVolume implements volume.Client.
type fakeVolume struct {
	mu      sync.Mutex
	uploads map[string][]byte
	err     error
}

func newFakeVolume() *fakeVolume {
	return &fakeVolume{uploads: make(map[string][]byte)}
}

func (v *fakeVolume) Upload(_ context.Context, filename string, data []byte) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	path := "/Volumes/main/docs/inbox/" + filename
	v.uploads[path] = data
	return path, nil
}

func (v *fakeVolume) Delete(_ context.Context, path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.uploads, path)
	return nil
}

// fakeWarehouse implements warehouse.Client.
type fakeWarehouse struct {
	text string
	err  error
}

func (w *fakeWarehouse) ParseDocument(_ context.Context, volumePath string) (*warehouse.ParseResult, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &warehouse.ParseResult{StatementID: "stmt-fake", DocumentText: w.text}, nil
}

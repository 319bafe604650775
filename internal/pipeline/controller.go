package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docpipe/docpipe/internal/cache"
	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/trace"
	"github.com/docpipe/docpipe/pkg/models"
)

// ResetReason is the error message written to files found stuck in the
// processing state.
const ResetReason = "processing interrupted by restart; reset by maintenance"

// statusCacheTTL bounds how long the cached status mirror lives.
const statusCacheTTL = 30 * time.Minute

var (
	ErrFileNotFound    = store.ErrNotFound
	ErrAlreadyRunning  = errors.New("file is already processing")
	ErrInvalidStage    = errors.New("invalid resume stage")
	ErrNoStoredResults = errors.New("no stored results to resume from")
)

// Controller orchestrates pipeline runs over the durable stores. A failed
// stage fails the run immediately; there are no automatic retries.
type Controller struct {
	store        store.Store
	cache        cache.Cache
	runner       *StageRunner
	rec          trace.Recorder
	observer     Observer
	logger       *slog.Logger
	experimentID string
	logVolume    string
	workers      int

	// sem bounds how many runs execute at once across every dispatch path.
	sem chan struct{}
}

// NewController creates a Controller. workers bounds how many files process
// concurrently, across ProcessBatch and the detached HTTP dispatch paths.
func NewController(st store.Store, ca cache.Cache, runner *StageRunner, rec trace.Recorder,
	logger *slog.Logger, experimentID, logVolume string, workers int) *Controller {
	if workers < 1 {
		workers = 1
	}
	return &Controller{
		store:        st,
		cache:        ca,
		runner:       runner,
		rec:          rec,
		observer:     noopObserver{},
		logger:       logger,
		experimentID: experimentID,
		logVolume:    logVolume,
		workers:      workers,
		sem:          make(chan struct{}, workers),
	}
}

// SetObserver registers an observer for stage transitions. Passing nil
// restores the no-op observer.
func (c *Controller) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	c.observer = o
}

// UploadFile is one file submitted for fresh processing.
type UploadFile struct {
	Filename string
	Data     []byte
}

// StartFresh creates the status and result records for a new file and
// dispatches the full pipeline in a background goroutine.
func (c *Controller) StartFresh(ctx context.Context, upload UploadFile) (*models.FileStatus, error) {
	now := time.Now().UTC()
	f := &models.FileStatus{
		FileID:       uuid.New(),
		Filename:     upload.Filename,
		Status:       models.FileStatusPending,
		CurrentStage: models.StageIngest,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.experimentID != "" {
		f.ExperimentID = &c.experimentID
	}
	if c.logVolume != "" {
		logPath := fmt.Sprintf("%s/%s.log", c.logVolume, f.FileID)
		f.LogFilePath = &logPath
	}

	if err := c.store.CreateFileRecord(ctx, f); err != nil {
		return nil, fmt.Errorf("creating file record: %w", err)
	}
	if err := c.store.CreateResultRecord(ctx, &models.FileResults{
		FileID:       f.FileID,
		ExperimentID: f.ExperimentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("creating result record: %w", err)
	}

	_ = c.cache.SetFileStatus(ctx, f.FileID, models.FileStatusPending, statusCacheTTL)

	go c.runDetached(f.FileID, func(ctx context.Context) error {
		return c.RunFresh(ctx, f.FileID, upload)
	})

	return f, nil
}

// StartReprocess dispatches a from-scratch rerun of an existing file. The
// uploaded bytes already live in the volume, so the rerun starts at parse.
func (c *Controller) StartReprocess(ctx context.Context, fileID uuid.UUID) (*models.FileStatus, error) {
	f, err := c.store.GetFileStatus(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.Status == models.FileStatusProcessing {
		return nil, ErrAlreadyRunning
	}
	go c.runDetached(fileID, func(ctx context.Context) error {
		return c.RunReprocess(ctx, fileID)
	})
	return f, nil
}

// StartResume dispatches a run that reuses stored results for every stage
// before the given one.
func (c *Controller) StartResume(ctx context.Context, fileID uuid.UUID, stage models.Stage) (*models.FileStatus, error) {
	if !stage.Valid() || stage == models.StageIngest {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	f, err := c.store.GetFileStatus(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.Status == models.FileStatusProcessing {
		return nil, ErrAlreadyRunning
	}
	go c.runDetached(fileID, func(ctx context.Context) error {
		return c.RunResume(ctx, fileID, stage)
	})
	return f, nil
}

// ProcessBatch runs a set of fresh files through the pipeline with bounded
// concurrency. Files are independent; one failing does not stop the others.
// Files whose records could not be created are left out of the returned ids.
func (c *Controller) ProcessBatch(ctx context.Context, uploads []UploadFile) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(uploads))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, upload := range uploads {
		now := time.Now().UTC()
		f := &models.FileStatus{
			FileID:       uuid.New(),
			Filename:     upload.Filename,
			Status:       models.FileStatusPending,
			CurrentStage: models.StageIngest,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if c.experimentID != "" {
			f.ExperimentID = &c.experimentID
		}
		if err := c.store.CreateFileRecord(ctx, f); err != nil {
			c.logger.Error("creating batch file record", "filename", upload.Filename, "error", err)
			continue
		}
		if err := c.store.CreateResultRecord(ctx, &models.FileResults{
			FileID: f.FileID, ExperimentID: f.ExperimentID, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			c.logger.Error("creating batch result record", "file_id", f.FileID, "error", err)
			continue
		}
		ids = append(ids, f.FileID)

		g.Go(func() error {
			// one file failing must not cancel its siblings
			if err := c.RunFresh(ctx, f.FileID, upload); err != nil {
				c.logger.Error("batch file failed", "file_id", f.FileID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ids
}

// runDetached runs fn on a background context with panic recovery, holding
// a worker slot so dispatched runs never exceed the configured pool size.
// A panic marks the run failed rather than crashing the server.
func (c *Controller) runDetached(fileID uuid.UUID, fn func(ctx context.Context) error) {
	ctx := context.Background()
	c.sem <- struct{}{}
	defer func() { <-c.sem }()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in pipeline run", "file_id", fileID, "error", r)
			// the stage written just before execution is the best-known one
			stage := models.StageIngest
			if f, gerr := c.store.GetFileStatus(ctx, fileID); gerr == nil {
				stage = f.CurrentStage
			}
			_ = c.store.MarkFailed(ctx, fileID, stage, fmt.Sprintf("panic: %v", r))
			_ = c.cache.SetFileStatus(ctx, fileID, models.FileStatusFailed, statusCacheTTL)
		}
	}()
	if err := fn(ctx); err != nil {
		c.logger.Error("pipeline run failed", "file_id", fileID, "error", err)
	}
}

// RunFresh executes all five stages for a newly uploaded file. The trace
// history starts over with a single new id.
func (c *Controller) RunFresh(ctx context.Context, fileID uuid.UUID, upload UploadFile) error {
	traceID := trace.NewTraceID()
	c.setTraceHistory(ctx, fileID, models.TraceIDs{traceID})

	doc := &models.Document{}
	parent := c.startRun(ctx, fileID, traceID, upload.Filename, len(upload.Data))

	for _, stage := range models.Stages {
		var err error
		if stage == models.StageIngest {
			err = c.execStage(ctx, parent, fileID, stage, doc, func(ctx context.Context, span *trace.Span) error {
				return c.runner.Ingest(ctx, span, doc, upload.Filename, upload.Data)
			})
		} else {
			err = c.execEnvelopeStage(ctx, parent, fileID, stage, doc)
		}
		if err != nil {
			c.finishFailed(ctx, parent, fileID, stage, err)
			return err
		}
	}

	c.finishCompleted(ctx, parent, fileID, doc)
	return nil
}

// RunReprocess reruns parse through deidentify against the file already in
// the volume. Prior results and the trace history are replaced.
func (c *Controller) RunReprocess(ctx context.Context, fileID uuid.UUID) error {
	f, err := c.store.GetFileStatus(ctx, fileID)
	if err != nil {
		return err
	}
	if f.VolumePath == nil || *f.VolumePath == "" {
		err := fmt.Errorf("file %s has no volume path; cannot reprocess", fileID)
		_ = c.store.MarkFailed(ctx, fileID, models.StageParse, err.Error())
		return err
	}

	traceID := trace.NewTraceID()
	// reprocess replaces history rather than appending
	c.setTraceHistory(ctx, fileID, models.TraceIDs{traceID})
	if err := c.store.ClearStageResults(ctx, fileID, models.StageParse); err != nil {
		c.logger.Error("clearing stage results", "file_id", fileID, "error", err)
	}
	_ = c.store.UpdateFileStatus(ctx, fileID,
		store.WithClearStageStatuses(models.StageParse, models.StageCategorize, models.StageExtract, models.StageDeidentify),
		store.WithClearError(),
	)

	doc := &models.Document{
		OriginalFilename: f.Filename,
		VolumePath:       *f.VolumePath,
	}
	parent := c.startRun(ctx, fileID, traceID, f.Filename, 0)
	parent.RecordReplay("stage_ingest", trace.Attrs{"stage": models.StageIngest, "volume_path": *f.VolumePath})

	return c.runFrom(ctx, parent, fileID, models.StageParse, doc)
}

// RunResume reuses stored stage results up to the resume point and executes
// the rest. The new trace id is appended to the history. When the needed
// stored envelope is missing, the run falls back to a full reprocess from
// parse, replacing the history instead.
func (c *Controller) RunResume(ctx context.Context, fileID uuid.UUID, stage models.Stage) error {
	f, err := c.store.GetFileStatus(ctx, fileID)
	if err != nil {
		return err
	}

	doc, ok := c.loadEnvelope(ctx, fileID, stage)
	if !ok {
		c.logger.Warn("stored results missing for resume, falling back to reprocess",
			"file_id", fileID, "resume_stage", stage)
		return c.RunReprocess(ctx, fileID)
	}
	if stage == models.StageParse {
		if f.VolumePath == nil || *f.VolumePath == "" {
			err := fmt.Errorf("%w: file %s has no volume path", ErrNoStoredResults, fileID)
			_ = c.store.MarkFailed(ctx, fileID, models.StageParse, err.Error())
			return err
		}
		doc.OriginalFilename = f.Filename
		doc.VolumePath = *f.VolumePath
	}

	traceID := trace.NewTraceID()
	history := models.ParseTraceIDs(f.TraceID).Append(traceID)
	priorTrace := models.ParseTraceIDs(f.TraceID).Latest()
	c.setTraceHistory(ctx, fileID, history)

	if err := c.store.ClearStageResults(ctx, fileID, stage); err != nil {
		c.logger.Error("clearing stage results", "file_id", fileID, "error", err)
	}
	clear := make([]models.Stage, 0, len(models.Stages))
	for _, s := range models.Stages {
		if s.Index() >= stage.Index() {
			clear = append(clear, s)
		}
	}
	_ = c.store.UpdateFileStatus(ctx, fileID,
		store.WithClearStageStatuses(clear...),
		store.WithClearError(),
	)

	parent := c.startRun(ctx, fileID, traceID, f.Filename, doc.SizeBytes)
	for _, s := range models.Stages {
		if s.Index() >= stage.Index() {
			break
		}
		parent.RecordReplay("stage_"+string(s), trace.Attrs{
			"stage":           s,
			"source_trace_id": priorTrace,
		})
	}

	return c.runFrom(ctx, parent, fileID, stage, doc)
}

// runFrom executes stage through deidentify on the given envelope.
func (c *Controller) runFrom(ctx context.Context, parent *trace.Span, fileID uuid.UUID, from models.Stage, doc *models.Document) error {
	for _, stage := range models.Stages {
		if stage.Index() < from.Index() {
			continue
		}
		if err := c.execEnvelopeStage(ctx, parent, fileID, stage, doc); err != nil {
			c.finishFailed(ctx, parent, fileID, stage, err)
			return err
		}
	}
	c.finishCompleted(ctx, parent, fileID, doc)
	return nil
}

// execEnvelopeStage dispatches one of the envelope-driven stages.
func (c *Controller) execEnvelopeStage(ctx context.Context, parent *trace.Span, fileID uuid.UUID, stage models.Stage, doc *models.Document) error {
	return c.execStage(ctx, parent, fileID, stage, doc, func(ctx context.Context, span *trace.Span) error {
		switch stage {
		case models.StageParse:
			return c.runner.Parse(ctx, span, doc)
		case models.StageCategorize:
			return c.runner.Categorize(ctx, span, doc)
		case models.StageExtract:
			return c.runner.Extract(ctx, span, doc)
		case models.StageDeidentify:
			return c.runner.Deidentify(ctx, span, doc)
		default:
			return fmt.Errorf("stage %q has no envelope runner", stage)
		}
	})
}

// execStage runs one stage inside its own span and persists the outcome.
// Persistence side-writes are logged and swallowed so a database hiccup
// never aborts a healthy run.
func (c *Controller) execStage(ctx context.Context, parent *trace.Span, fileID uuid.UUID, stage models.Stage,
	doc *models.Document, fn func(ctx context.Context, span *trace.Span) error) error {

	if err := c.store.UpdateFileStatus(ctx, fileID, store.WithCurrentStage(stage)); err != nil {
		c.logger.Error("updating current stage", "file_id", fileID, "stage", stage, "error", err)
	}
	c.observer.StageStarted(fileID, stage)

	span := parent.StartStage("stage_"+string(stage), trace.Attrs{"stage": stage})
	err := fn(ctx, span)
	span.End(err)
	c.observer.StageFinished(fileID, stage, err)
	if err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}

	if serr := c.store.UpdateFileStatus(ctx, fileID,
		store.WithStageStatus(stage, models.StageStatusCompleted),
	); serr != nil {
		c.logger.Error("updating stage status", "file_id", fileID, "stage", stage, "error", serr)
	}
	if stage == models.StageIngest {
		c.persistVolumePath(ctx, fileID, doc.VolumePath)
	}
	c.persistEnvelope(ctx, fileID, stage, doc)
	return nil
}

// persistVolumePath writes the ingested file's volume location to both
// records. Reprocess and resume runs depend on it to find the stored bytes.
func (c *Controller) persistVolumePath(ctx context.Context, fileID uuid.UUID, volumePath string) {
	if volumePath == "" {
		return
	}
	if err := c.store.UpdateFileStatus(ctx, fileID, store.WithVolumePath(volumePath)); err != nil {
		c.logger.Error("updating volume path", "file_id", fileID, "error", err)
	}
	if err := c.store.UpdateResultSourcePath(ctx, fileID, volumePath); err != nil {
		c.logger.Error("updating result source path", "file_id", fileID, "error", err)
	}
}

// persistEnvelope serializes the cumulative envelope into the stage's result
// column. Ingest has no column; its fields ride along in parse_result.
func (c *Controller) persistEnvelope(ctx context.Context, fileID uuid.UUID, stage models.Stage, doc *models.Document) {
	if stage == models.StageIngest {
		return
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		c.logger.Error("serializing envelope", "file_id", fileID, "stage", stage, "error", err)
		return
	}
	if err := c.store.UpdateStageResult(ctx, fileID, stage, string(payload)); err != nil {
		c.logger.Error("persisting stage result", "file_id", fileID, "stage", stage, "error", err)
	}
}

// loadEnvelope decodes the stored envelope the resume point depends on.
// Resuming from parse needs no stored envelope.
func (c *Controller) loadEnvelope(ctx context.Context, fileID uuid.UUID, stage models.Stage) (*models.Document, bool) {
	if stage == models.StageParse {
		return &models.Document{}, true
	}

	results, err := c.store.GetResults(ctx, fileID)
	if err != nil {
		return nil, false
	}
	prev := models.Stages[stage.Index()-1]
	stored := results.StageResult(prev)
	if stored == nil || *stored == "" {
		return nil, false
	}

	var doc models.Document
	if err := json.Unmarshal([]byte(*stored), &doc); err != nil {
		c.logger.Warn("stored envelope is not decodable", "file_id", fileID, "stage", prev, "error", err)
		return nil, false
	}
	if !doc.Succeeded() {
		return nil, false
	}
	return &doc, true
}

func (c *Controller) startRun(ctx context.Context, fileID uuid.UUID, traceID, filename string, sizeBytes int) *trace.Span {
	start := time.Now().UTC()
	if err := c.store.UpdateFileStatus(ctx, fileID,
		store.WithStatus(models.FileStatusProcessing),
		store.WithStartTime(start),
		store.WithClearError(),
	); err != nil {
		c.logger.Error("marking file processing", "file_id", fileID, "error", err)
	}
	_ = c.cache.SetFileStatus(ctx, fileID, models.FileStatusProcessing, statusCacheTTL)

	attrs := trace.Attrs{
		"pipeline_id":     fileID,
		"filename":        filename,
		"file_size_bytes": sizeBytes,
	}
	if c.logVolume != "" {
		attrs["log_file_path"] = fmt.Sprintf("%s/%s.log", c.logVolume, fileID)
	}
	return trace.StartPipeline(c.rec, traceID, "pipeline_run", attrs)
}

func (c *Controller) finishCompleted(ctx context.Context, parent *trace.Span, fileID uuid.UUID, doc *models.Document) {
	summary := store.CompletionSummary{
		EntitiesCount:  doc.EntitiesCount,
		PIIItemsMasked: doc.PIIItemsMasked,
	}
	if doc.Categorization != nil {
		summary.PrimaryCategory = doc.Categorization.PrimaryCategory
	}
	if err := c.store.MarkCompleted(ctx, fileID, summary); err != nil {
		c.logger.Error("marking file completed", "file_id", fileID, "error", err)
	}
	_ = c.cache.SetFileStatus(ctx, fileID, models.FileStatusCompleted, statusCacheTTL)
	parent.SetAttr("primary_category", summary.PrimaryCategory)
	parent.End(nil)
	c.logger.Info("pipeline run completed", "file_id", fileID,
		"primary_category", summary.PrimaryCategory,
		"entities_count", summary.EntitiesCount,
		"pii_items_masked", summary.PIIItemsMasked)
}

func (c *Controller) finishFailed(ctx context.Context, parent *trace.Span, fileID uuid.UUID, stage models.Stage, err error) {
	if serr := c.store.MarkFailed(ctx, fileID, stage, err.Error()); serr != nil {
		c.logger.Error("marking file failed", "file_id", fileID, "error", serr)
	}
	_ = c.cache.SetFileStatus(ctx, fileID, models.FileStatusFailed, statusCacheTTL)
	parent.End(err)
}

// setTraceHistory writes the trace id history to both records; both writes
// are side-writes and never abort a run.
func (c *Controller) setTraceHistory(ctx context.Context, fileID uuid.UUID, history models.TraceIDs) {
	if err := c.store.UpdateFileStatus(ctx, fileID, store.WithTraceID(history.String())); err != nil {
		c.logger.Error("updating status trace id", "file_id", fileID, "error", err)
	}
	if err := c.store.UpdateResultTraceID(ctx, fileID, history.String()); err != nil {
		c.logger.Error("updating result trace id", "file_id", fileID, "error", err)
	}
}

// ResetStuck fails every file left in the processing state. Run at startup
// and exposed through the maintenance API.
func (c *Controller) ResetStuck(ctx context.Context) (int, error) {
	return c.store.ResetStuckProcessing(ctx, ResetReason)
}

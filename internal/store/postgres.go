package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docpipe/docpipe/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const fileStatusColumns = `file_id, filename, volume_path, status, current_stage, trace_id, experiment_id,
	 log_file_path, start_time, end_time, error_message,
	 stage_ingest_status, stage_parse_status, stage_categorize_status, stage_extract_status, stage_deidentify_status,
	 primary_category, entities_count, pii_items_masked, created_at, updated_at`

func scanFileStatus(row pgx.Row) (*models.FileStatus, error) {
	var f models.FileStatus
	err := row.Scan(&f.FileID, &f.Filename, &f.VolumePath, &f.Status, &f.CurrentStage, &f.TraceID,
		&f.ExperimentID, &f.LogFilePath, &f.StartTime, &f.EndTime, &f.ErrorMessage,
		&f.StageIngestStatus, &f.StageParseStatus, &f.StageCategorizeStatus, &f.StageExtractStatus,
		&f.StageDeidentifyStatus, &f.PrimaryCategory, &f.EntitiesCount, &f.PIIItemsMasked,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// stageStatusColumn maps a stage to its sub-status column. Only values from
// this map are ever interpolated into SQL.
var stageStatusColumn = map[models.Stage]string{
	models.StageIngest:     "stage_ingest_status",
	models.StageParse:      "stage_parse_status",
	models.StageCategorize: "stage_categorize_status",
	models.StageExtract:    "stage_extract_status",
	models.StageDeidentify: "stage_deidentify_status",
}

// stageResultColumn maps a stage to its result payload column.
var stageResultColumn = map[models.Stage]string{
	models.StageParse:      "parse_result",
	models.StageCategorize: "categorize_result",
	models.StageExtract:    "extract_result",
	models.StageDeidentify: "deidentify_result",
}

// --- File status ---

func (s *PostgresStore) CreateFileRecord(ctx context.Context, f *models.FileStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_processing_status (file_id, filename, volume_path, status, current_stage, experiment_id, log_file_path, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.FileID, f.Filename, f.VolumePath, f.Status, f.CurrentStage, f.ExperimentID, f.LogFilePath,
		f.CreatedAt, f.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create file record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFileStatus(ctx context.Context, fileID uuid.UUID) (*models.FileStatus, error) {
	f, err := scanFileStatus(s.pool.QueryRow(ctx,
		`SELECT `+fileStatusColumns+` FROM file_processing_status WHERE file_id = $1`, fileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file status: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListFileStatuses(ctx context.Context, filter FileFilter) ([]*models.FileStatus, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if !filter.Since.IsZero() {
		where += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.Since)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM file_processing_status`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count file statuses: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	query := `SELECT ` + fileStatusColumns + ` FROM file_processing_status` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list file statuses: %w", err)
	}
	defer rows.Close()

	var files []*models.FileStatus
	for rows.Next() {
		f, err := scanFileStatus(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan file status: %w", err)
		}
		files = append(files, f)
	}
	return files, total, rows.Err()
}

func (s *PostgresStore) UpdateFileStatus(ctx context.Context, fileID uuid.UUID, opts ...FileUpdateOption) error {
	params := CollectFileUpdate(opts...)

	query := `UPDATE file_processing_status SET updated_at = NOW()`
	args := []any{fileID}
	argIdx := 2

	set := func(col string, val any) {
		query += fmt.Sprintf(", %s = $%d", col, argIdx)
		args = append(args, val)
		argIdx++
	}

	if params.Status != nil {
		set("status", *params.Status)
	}
	if params.CurrentStage != nil {
		set("current_stage", *params.CurrentStage)
	}
	for stage, status := range params.StageStatus {
		col, ok := stageStatusColumn[stage]
		if !ok {
			return fmt.Errorf("unknown stage %q", stage)
		}
		set(col, status)
	}
	for _, stage := range params.ClearStages {
		col, ok := stageStatusColumn[stage]
		if !ok {
			return fmt.Errorf("unknown stage %q", stage)
		}
		query += ", " + col + " = NULL"
	}
	if params.TraceID != nil {
		set("trace_id", *params.TraceID)
	}
	if params.ExperimentID != nil {
		set("experiment_id", *params.ExperimentID)
	}
	if params.LogFilePath != nil {
		set("log_file_path", *params.LogFilePath)
	}
	if params.VolumePath != nil {
		set("volume_path", *params.VolumePath)
	}
	if params.StartTime != nil {
		set("start_time", *params.StartTime)
		query += ", end_time = NULL"
	}
	if params.ErrorMessage != nil {
		set("error_message", *params.ErrorMessage)
	}
	if params.ClearError {
		query += ", error_message = NULL"
	}

	query += " WHERE file_id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCompleted writes the terminal success state. All writes are absolute so
// the call is safe to repeat.
func (s *PostgresStore) MarkCompleted(ctx context.Context, fileID uuid.UUID, summary CompletionSummary) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE file_processing_status
		 SET status = $2, end_time = NOW(), error_message = NULL,
		     primary_category = $3, entities_count = $4, pii_items_masked = $5,
		     updated_at = NOW()
		 WHERE file_id = $1`,
		fileID, models.FileStatusCompleted, summary.PrimaryCategory, summary.EntitiesCount, summary.PIIItemsMasked)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, fileID uuid.UUID, stage models.Stage, errMsg string) error {
	col, ok := stageStatusColumn[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE file_processing_status
		 SET status = $2, current_stage = $3, `+col+` = $4,
		     error_message = $5, end_time = NOW(), updated_at = NOW()
		 WHERE file_id = $1`,
		fileID, models.FileStatusFailed, stage, models.StageStatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteFileRecord(ctx context.Context, fileID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM file_processing_status WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetStuckProcessing marks every file still in the processing state as
// failed. Called at startup and from the maintenance API; a file left in
// processing can only mean its worker died.
func (s *PostgresStore) ResetStuckProcessing(ctx context.Context, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE file_processing_status
		 SET status = $1, error_message = $2, end_time = NOW(), updated_at = NOW()
		 WHERE status = $3`,
		models.FileStatusFailed, reason, models.FileStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("reset stuck processing: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Results ---

func (s *PostgresStore) CreateResultRecord(ctx context.Context, r *models.FileResults) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_processing_results (file_id, trace_id, experiment_id, source_volume_path, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (file_id) DO UPDATE SET
		   trace_id = EXCLUDED.trace_id,
		   experiment_id = EXCLUDED.experiment_id,
		   source_volume_path = EXCLUDED.source_volume_path,
		   updated_at = NOW()`,
		r.FileID, r.TraceID, r.ExperimentID, r.SourceVolumePath, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create result record: %w", err)
	}
	return nil
}

// UpdateResultSourcePath records where the ingested bytes landed in the
// volume. Written once per file, right after a successful ingest.
func (s *PostgresStore) UpdateResultSourcePath(ctx context.Context, fileID uuid.UUID, volumePath string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE file_processing_results SET source_volume_path = $2, updated_at = NOW() WHERE file_id = $1`,
		fileID, volumePath)
	if err != nil {
		return fmt.Errorf("update result source path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateStageResult(ctx context.Context, fileID uuid.UUID, stage models.Stage, payload string) error {
	col, ok := stageResultColumn[stage]
	if !ok {
		return fmt.Errorf("stage %q has no result column", stage)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE file_processing_results SET `+col+` = $2, updated_at = NOW() WHERE file_id = $1`,
		fileID, payload)
	if err != nil {
		return fmt.Errorf("update stage result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearStageResults nulls the result payloads for the given stage and every
// stage after it, so stale outputs never survive a rerun.
func (s *PostgresStore) ClearStageResults(ctx context.Context, fileID uuid.UUID, from models.Stage) error {
	query := `UPDATE file_processing_results SET updated_at = NOW()`
	for _, stage := range models.Stages {
		if stage.Index() < from.Index() {
			continue
		}
		if col, ok := stageResultColumn[stage]; ok {
			query += ", " + col + " = NULL"
		}
	}
	tag, err := s.pool.Exec(ctx, query+` WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("clear stage results: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetResults(ctx context.Context, fileID uuid.UUID) (*models.FileResults, error) {
	var r models.FileResults
	err := s.pool.QueryRow(ctx,
		`SELECT file_id, trace_id, experiment_id, source_volume_path,
		        parse_result, categorize_result, extract_result, deidentify_result,
		        created_at, updated_at
		 FROM file_processing_results WHERE file_id = $1`, fileID,
	).Scan(&r.FileID, &r.TraceID, &r.ExperimentID, &r.SourceVolumePath,
		&r.ParseResult, &r.CategorizeResult, &r.ExtractResult, &r.DeidentifyResult,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) UpdateResultTraceID(ctx context.Context, fileID uuid.UUID, traceID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE file_processing_results SET trace_id = $2, updated_at = NOW() WHERE file_id = $1`,
		fileID, traceID)
	if err != nil {
		return fmt.Errorf("update result trace id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteResultRecord(ctx context.Context, fileID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM file_processing_results WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete result record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

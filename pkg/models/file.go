// Package models contains shared data models used across the docpipe codebase.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one of the five fixed pipeline stages, in execution order.
type Stage string

const (
	StageIngest     Stage = "ingest"
	StageParse      Stage = "parse"
	StageCategorize Stage = "categorize"
	StageExtract    Stage = "extract"
	StageDeidentify Stage = "deidentify"
)

// Stages lists all pipeline stages in execution order.
var Stages = []Stage{StageIngest, StageParse, StageCategorize, StageExtract, StageDeidentify}

// Index returns the position of the stage in the pipeline, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s names a known pipeline stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Next returns the stage after s, or empty if s is the last stage or unknown.
func (s Stage) Next() Stage {
	i := s.Index()
	if i < 0 || i == len(Stages)-1 {
		return ""
	}
	return Stages[i+1]
}

// Overall file statuses.
const (
	FileStatusPending    = "pending"
	FileStatusProcessing = "processing"
	FileStatusCompleted  = "completed"
	FileStatusFailed     = "failed"
)

// Per-stage sub-statuses. A NULL sub-status means the stage has not run.
const (
	StageStatusCompleted = "completed"
	StageStatusFailed    = "failed"
)

// FileStatus is the durable per-file processing record. The dashboard binds to
// these column names, so they are part of the external contract.
type FileStatus struct {
	FileID                uuid.UUID  `db:"file_id"                 json:"file_id"`
	Filename              string     `db:"filename"                json:"filename"`
	VolumePath            *string    `db:"volume_path"             json:"volume_path,omitempty"`
	Status                string     `db:"status"                  json:"status"`
	CurrentStage          Stage      `db:"current_stage"           json:"current_stage"`
	TraceID               *string    `db:"trace_id"                json:"trace_id,omitempty"`
	ExperimentID          *string    `db:"experiment_id"           json:"experiment_id,omitempty"`
	LogFilePath           *string    `db:"log_file_path"           json:"log_file_path,omitempty"`
	StartTime             *time.Time `db:"start_time"              json:"start_time,omitempty"`
	EndTime               *time.Time `db:"end_time"                json:"end_time,omitempty"`
	ErrorMessage          *string    `db:"error_message"           json:"error_message,omitempty"`
	StageIngestStatus     *string    `db:"stage_ingest_status"     json:"stage_ingest_status,omitempty"`
	StageParseStatus      *string    `db:"stage_parse_status"      json:"stage_parse_status,omitempty"`
	StageCategorizeStatus *string    `db:"stage_categorize_status" json:"stage_categorize_status,omitempty"`
	StageExtractStatus    *string    `db:"stage_extract_status"    json:"stage_extract_status,omitempty"`
	StageDeidentifyStatus *string    `db:"stage_deidentify_status" json:"stage_deidentify_status,omitempty"`
	PrimaryCategory       *string    `db:"primary_category"        json:"primary_category,omitempty"`
	EntitiesCount         *int       `db:"entities_count"          json:"entities_count,omitempty"`
	PIIItemsMasked        *int       `db:"pii_items_masked"        json:"pii_items_masked,omitempty"`
	CreatedAt             time.Time  `db:"created_at"              json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"              json:"updated_at"`
}

// StageSubStatus returns the sub-status pointer for the given stage.
func (f *FileStatus) StageSubStatus(s Stage) *string {
	switch s {
	case StageIngest:
		return f.StageIngestStatus
	case StageParse:
		return f.StageParseStatus
	case StageCategorize:
		return f.StageCategorizeStatus
	case StageExtract:
		return f.StageExtractStatus
	case StageDeidentify:
		return f.StageDeidentifyStatus
	}
	return nil
}

// FileResults holds the serialized per-stage envelopes for one file, 1:1 with
// FileStatus. Stage columns are overwritten on resume/reprocess; only the
// trace id history accumulates.
type FileResults struct {
	FileID           uuid.UUID `db:"file_id"            json:"file_id"`
	TraceID          *string   `db:"trace_id"           json:"trace_id,omitempty"`
	ExperimentID     *string   `db:"experiment_id"      json:"experiment_id,omitempty"`
	SourceVolumePath *string   `db:"source_volume_path" json:"source_volume_path,omitempty"`
	ParseResult      *string   `db:"parse_result"       json:"parse_result,omitempty"`
	CategorizeResult *string   `db:"categorize_result"  json:"categorize_result,omitempty"`
	ExtractResult    *string   `db:"extract_result"     json:"extract_result,omitempty"`
	DeidentifyResult *string   `db:"deidentify_result"  json:"deidentify_result,omitempty"`
	CreatedAt        time.Time `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"         json:"updated_at"`
}

// StageResult returns the serialized envelope for the given stage, if stored.
func (r *FileResults) StageResult(s Stage) *string {
	switch s {
	case StageParse:
		return r.ParseResult
	case StageCategorize:
		return r.CategorizeResult
	case StageExtract:
		return r.ExtractResult
	case StageDeidentify:
		return r.DeidentifyResult
	}
	return nil
}

// TraceIDs is the ordered trace-id history of a file, most recent last. It is
// persisted as a comma-joined string; resume APPENDS to it, reprocess REPLACES
// it. Ids are never removed.
type TraceIDs []string

// ParseTraceIDs splits a stored comma-joined trace id column.
func ParseTraceIDs(s *string) TraceIDs {
	if s == nil || *s == "" {
		return nil
	}
	parts := strings.Split(*s, ",")
	ids := make(TraceIDs, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// Append returns the history with id added at the end.
func (t TraceIDs) Append(id string) TraceIDs { return append(t, id) }

// Latest returns the most recent trace id, or empty.
func (t TraceIDs) Latest() string {
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

// String joins the history into its stored form.
func (t TraceIDs) String() string { return strings.Join(t, ",") }

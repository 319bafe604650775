// Package pipeline runs documents through the five-stage processing
// pipeline: ingest, parse, categorize, extract, deidentify.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docpipe/docpipe/internal/ai"
	"github.com/docpipe/docpipe/internal/config"
	"github.com/docpipe/docpipe/internal/trace"
	"github.com/docpipe/docpipe/internal/volume"
	"github.com/docpipe/docpipe/internal/warehouse"
	"github.com/docpipe/docpipe/pkg/models"
)

// promptCharLimit caps how much document text is interpolated into a prompt.
const promptCharLimit = 5000

// rawResponseSample is how much of a malformed model reply is kept for
// debugging.
const rawResponseSample = 200

// StageRunner executes individual pipeline stages against a cumulative
// document envelope. Each stage fills its own envelope fields and leaves
// everything written by earlier stages untouched.
type StageRunner struct {
	volume    volume.Client
	warehouse warehouse.Client
	querier   ai.Querier
	aiCfg     config.AIConfig
	prompts   config.Prompts

	// forceFailure makes the named stage fail unconditionally. Test hook.
	forceFailure models.Stage

	logger *slog.Logger
}

// NewStageRunner creates a StageRunner.
func NewStageRunner(vol volume.Client, wh warehouse.Client, querier ai.Querier,
	aiCfg config.AIConfig, prompts config.Prompts, forceFailure models.Stage, logger *slog.Logger) *StageRunner {
	return &StageRunner{
		volume:       vol,
		warehouse:    wh,
		querier:      querier,
		aiCfg:        aiCfg,
		prompts:      prompts,
		forceFailure: forceFailure,
		logger:       logger,
	}
}

func (r *StageRunner) checkForcedFailure(stage models.Stage) error {
	if r.forceFailure != "" && r.forceFailure == stage {
		return fmt.Errorf("forced failure injected in stage %s", stage)
	}
	return nil
}

// Ingest uploads the raw file to the volume and records its hash and size
// in the envelope.
func (r *StageRunner) Ingest(ctx context.Context, span *trace.Span, doc *models.Document, filename string, data []byte) error {
	if err := r.checkForcedFailure(models.StageIngest); err != nil {
		return err
	}

	hash := sha256.Sum256(data)
	safeName := volume.SanitizeFilename(filename)
	span.SetAttrs(trace.Attrs{
		"filename":        filename,
		"safe_filename":   safeName,
		"file_size_bytes": len(data),
	})

	volumePath, err := r.volume.Upload(ctx, safeName, data)
	if err != nil {
		return fmt.Errorf("uploading to volume: %w", err)
	}

	doc.OriginalFilename = filename
	doc.SafeFilename = safeName
	doc.VolumePath = volumePath
	doc.SizeBytes = len(data)
	doc.FileHashSHA256 = hex.EncodeToString(hash[:])
	r.stamp(doc)

	span.SetAttr("volume_path", volumePath)
	span.SetAttr("file_hash_sha256", doc.FileHashSHA256)
	return nil
}

// Parse extracts the document text via the warehouse and collapses it into a
// single page. Downstream stages must not assume more than one page.
func (r *StageRunner) Parse(ctx context.Context, span *trace.Span, doc *models.Document) error {
	if err := r.checkForcedFailure(models.StageParse); err != nil {
		return err
	}
	if doc.VolumePath == "" {
		return fmt.Errorf("envelope has no volume path; ingest must run first")
	}

	result, err := r.warehouse.ParseDocument(ctx, doc.VolumePath)
	if err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}

	doc.Pages = []models.Page{{Text: result.DocumentText, PageID: 0}}
	doc.StatementID = result.StatementID
	r.stamp(doc)

	span.SetAttrs(trace.Attrs{
		"statement_id": result.StatementID,
		"text_length":  len(result.DocumentText),
		"pages_count":  1,
	})
	return nil
}

// Categorize classifies the document against the taxonomy. A reply that is
// not valid JSON degrades to an Unknown categorization carrying a sample of
// the raw reply; it is not a stage failure.
func (r *StageRunner) Categorize(ctx context.Context, span *trace.Span, doc *models.Document) error {
	if err := r.checkForcedFailure(models.StageCategorize); err != nil {
		return err
	}

	completion, err := r.query(ctx, span, r.prompts.Categorize, doc)
	if err != nil {
		return fmt.Errorf("categorize query: %w", err)
	}

	var cat models.Categorization
	if !decodeLenient(completion.Text, &cat) {
		r.logger.Warn("categorize reply was not valid JSON, using degraded result",
			"model", completion.Model)
		cat = models.Categorization{
			PrimaryCategory:        "Unknown",
			PrimaryConfidence:      0,
			PrimaryJustification:   truncateChars(completion.Text, rawResponseSample),
			SecondaryCategory:      "Unknown",
			SecondaryConfidence:    0,
			SecondaryJustification: "Failed to parse response",
			RawResponse:            truncateChars(completion.Text, rawResponseSample),
		}
	}

	doc.Categorization = &cat
	doc.ModelUsed = r.aiCfg.Model
	r.stamp(doc)

	span.SetAttrs(trace.Attrs{
		"primary_category":   cat.PrimaryCategory,
		"primary_confidence": cat.PrimaryConfidence,
	})
	return nil
}

// Extract pulls structured entities from the document text. Malformed JSON
// replies degrade to an empty entity set.
func (r *StageRunner) Extract(ctx context.Context, span *trace.Span, doc *models.Document) error {
	if err := r.checkForcedFailure(models.StageExtract); err != nil {
		return err
	}

	completion, err := r.query(ctx, span, r.prompts.Extract, doc)
	if err != nil {
		return fmt.Errorf("extract query: %w", err)
	}

	var ext models.Extraction
	if !decodeLenient(completion.Text, &ext) {
		r.logger.Warn("extract reply was not valid JSON, using degraded result",
			"model", completion.Model)
		ext = models.Extraction{
			Entities:    []models.Entity{},
			RawResponse: truncateChars(completion.Text, rawResponseSample),
		}
	}
	if ext.Entities == nil {
		ext.Entities = []models.Entity{}
	}

	doc.Extraction = &ext
	doc.EntitiesCount = len(ext.Entities)
	doc.ModelUsed = r.aiCfg.Model
	r.stamp(doc)

	span.SetAttr("entities_count", len(ext.Entities))
	return nil
}

// maskedEntityTypes are the entity types redacted locally after the PII scan.
var maskedEntityTypes = map[string]bool{
	"person":       true,
	"organization": true,
	"email":        true,
}

// Deidentify asks the model for a PII report, then locally redacts the
// sensitive entity values already extracted. Malformed JSON replies degrade
// to an empty PII report; the local masking pass still runs.
func (r *StageRunner) Deidentify(ctx context.Context, span *trace.Span, doc *models.Document) error {
	if err := r.checkForcedFailure(models.StageDeidentify); err != nil {
		return err
	}

	completion, err := r.query(ctx, span, r.prompts.Deidentify, doc)
	if err != nil {
		return fmt.Errorf("deidentify query: %w", err)
	}

	var deid models.Deidentification
	if !decodeLenient(completion.Text, &deid) {
		r.logger.Warn("deidentify reply was not valid JSON, using degraded result",
			"model", completion.Model)
		deid = models.Deidentification{
			PIIItems:    []models.PIIItem{},
			RawResponse: truncateChars(completion.Text, rawResponseSample),
		}
	}
	if deid.PIIItems == nil {
		deid.PIIItems = []models.PIIItem{}
	}

	if doc.Extraction != nil {
		for i := range doc.Extraction.Entities {
			if maskedEntityTypes[doc.Extraction.Entities[i].Type] {
				doc.Extraction.Entities[i].Value = "[REDACTED]"
				doc.Extraction.Entities[i].Masked = true
			}
		}
	}

	doc.Deidentification = &deid
	doc.PIIItemsMasked = len(deid.PIIItems)
	doc.ModelUsed = r.aiCfg.Model
	r.stamp(doc)

	span.SetAttr("pii_items_masked", len(deid.PIIItems))
	return nil
}

// query formats the prompt with the document text, bounds the call with the
// inference timeout, and records LLM attributes on the span.
func (r *StageRunner) query(ctx context.Context, span *trace.Span, promptTemplate string, doc *models.Document) (*ai.Completion, error) {
	text := truncateChars(doc.Text(), promptCharLimit)
	prompt := fmt.Sprintf(promptTemplate, text)

	span.SetAttrs(trace.Attrs{
		"model":                r.aiCfg.Model,
		"document_text_length": len(doc.Text()),
	})

	queryCtx, cancel := context.WithTimeout(ctx, r.aiCfg.InferenceTimeout)
	defer cancel()

	completion, err := r.querier.Query(queryCtx, ai.QueryRequest{
		Model:       r.aiCfg.Model,
		Prompt:      prompt,
		Temperature: r.aiCfg.Temperature,
		MaxTokens:   r.aiCfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	span.SetAttrs(trace.Attrs{
		"request_id":        completion.RequestID,
		"prompt_tokens":     completion.PromptTokens,
		"completion_tokens": completion.CompletionTokens,
		"total_tokens":      completion.TotalTokens,
		"finish_reason":     completion.FinishReason,
	})
	return completion, nil
}

func (r *StageRunner) stamp(doc *models.Document) {
	doc.Status = models.EnvelopeSuccess
	doc.Error = ""
	doc.Timestamp = time.Now().UTC()
}

// decodeLenient unmarshals a model reply into v, tolerating markdown code
// fences around the JSON. Returns false when no valid JSON can be found.
func decodeLenient(text string, v any) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	return json.Unmarshal([]byte(trimmed), v) == nil
}

// truncateChars shortens s to at most n runes.
func truncateChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

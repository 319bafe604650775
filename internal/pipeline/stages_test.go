package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/internal/ai"
	"github.com/docpipe/docpipe/internal/ai/mock"
	"github.com/docpipe/docpipe/internal/config"
	"github.com/docpipe/docpipe/internal/trace"
	"github.com/docpipe/docpipe/pkg/models"
)

func newTestRunner(t *testing.T, querier ai.Querier, wh *fakeWarehouse) *StageRunner {
	t.Helper()
	if wh == nil {
		wh = &fakeWarehouse{text: "some document text"}
	}
	return NewStageRunner(newFakeVolume(), wh, querier, testAICfg(), config.DefaultPrompts(), "", slog.New(slog.DiscardHandler))
}

func testSpan() *trace.Span {
	return trace.StartPipeline(trace.NewMemoryRecorder(), trace.NewTraceID(), "test", nil)
}

func TestIngest_FillsEnvelope(t *testing.T) {
	r := newTestRunner(t, mock.NewMockProvider(), nil)
	doc := &models.Document{}

	err := r.Ingest(context.Background(), testSpan(), doc, "my report (v2).pdf", []byte("content"))
	require.NoError(t, err)

	assert.Equal(t, "my report (v2).pdf", doc.OriginalFilename)
	assert.Equal(t, "my_report__v2_.pdf", doc.SafeFilename)
	assert.Equal(t, "/Volumes/main/docs/inbox/my_report__v2_.pdf", doc.VolumePath)
	assert.Equal(t, 7, doc.SizeBytes)
	assert.Len(t, doc.FileHashSHA256, 64)
	assert.Equal(t, models.EnvelopeSuccess, doc.Status)
	assert.False(t, doc.Timestamp.IsZero())
}

func TestIngest_UploadsUnderSafeName(t *testing.T) {
	vol := newFakeVolume()
	r := NewStageRunner(vol, &fakeWarehouse{text: "t"}, mock.NewMockProvider(),
		testAICfg(), config.DefaultPrompts(), "", slog.New(slog.DiscardHandler))
	doc := &models.Document{}

	err := r.Ingest(context.Background(), testSpan(), doc, "q3 report (final).pdf", []byte("x"))
	require.NoError(t, err)

	_, ok := vol.uploads["/Volumes/main/docs/inbox/q3_report__final_.pdf"]
	assert.True(t, ok, "upload must use the sanitized name")
	assert.Equal(t, "/Volumes/main/docs/inbox/q3_report__final_.pdf", doc.VolumePath)
}

func TestParse_CollapsesToSinglePage(t *testing.T) {
	r := newTestRunner(t, mock.NewMockProvider(), &fakeWarehouse{text: "page one\n\npage two"})
	doc := &models.Document{VolumePath: "/Volumes/main/docs/inbox/doc.pdf"}

	err := r.Parse(context.Background(), testSpan(), doc)
	require.NoError(t, err)

	require.Len(t, doc.Pages, 1)
	assert.Equal(t, 0, doc.Pages[0].PageID)
	assert.Equal(t, "page one\n\npage two", doc.Pages[0].Text)
	assert.Equal(t, "stmt-fake", doc.StatementID)
}

func TestParse_RequiresVolumePath(t *testing.T) {
	r := newTestRunner(t, mock.NewMockProvider(), nil)
	err := r.Parse(context.Background(), testSpan(), &models.Document{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume path")
}

func TestCategorize_ParsesModelJSON(t *testing.T) {
	r := newTestRunner(t, mock.NewMockProvider(), nil)
	doc := &models.Document{Pages: []models.Page{{Text: "loan terms", PageID: 0}}}

	err := r.Categorize(context.Background(), testSpan(), doc)
	require.NoError(t, err)

	require.NotNil(t, doc.Categorization)
	assert.Equal(t, "Loan Application", doc.Categorization.PrimaryCategory)
	assert.InDelta(t, 0.92, doc.Categorization.PrimaryConfidence, 0.001)
	assert.Empty(t, doc.Categorization.RawResponse)
	assert.Equal(t, "mock-v1", doc.ModelUsed)
}

func TestCategorize_MalformedReplyDegrades(t *testing.T) {
	reply := "Sure! The document looks like a loan application to me."
	r := newTestRunner(t, mock.NewMalformedProvider(reply), nil)
	doc := &models.Document{Pages: []models.Page{{Text: "text", PageID: 0}}}

	err := r.Categorize(context.Background(), testSpan(), doc)
	require.NoError(t, err)

	require.NotNil(t, doc.Categorization)
	assert.Equal(t, "Unknown", doc.Categorization.PrimaryCategory)
	assert.Zero(t, doc.Categorization.PrimaryConfidence)
	assert.Equal(t, reply, doc.Categorization.RawResponse)
	assert.Equal(t, "Failed to parse response", doc.Categorization.SecondaryJustification)
}

func TestCategorize_ProviderErrorFailsStage(t *testing.T) {
	r := newTestRunner(t, mock.NewFailingProvider(ai.ErrProviderUnavailable), nil)
	doc := &models.Document{Pages: []models.Page{{Text: "text", PageID: 0}}}

	err := r.Categorize(context.Background(), testSpan(), doc)
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
	assert.Nil(t, doc.Categorization)
}

func TestExtract_MalformedReplyDegradesToEmpty(t *testing.T) {
	r := newTestRunner(t, mock.NewMalformedProvider("not json"), nil)
	doc := &models.Document{Pages: []models.Page{{Text: "text", PageID: 0}}}

	err := r.Extract(context.Background(), testSpan(), doc)
	require.NoError(t, err)

	require.NotNil(t, doc.Extraction)
	assert.Empty(t, doc.Extraction.Entities)
	assert.Equal(t, 0, doc.EntitiesCount)
	assert.Equal(t, "not json", doc.Extraction.RawResponse)
}

func TestDeidentify_MasksSensitiveEntities(t *testing.T) {
	r := newTestRunner(t, mock.NewMockProvider(), nil)
	doc := &models.Document{
		Pages: []models.Page{{Text: "text", PageID: 0}},
		Extraction: &models.Extraction{Entities: []models.Entity{
			{Type: "person", Value: "Jane Doe", Confidence: 0.95},
			{Type: "organization", Value: "Acme Bank", Confidence: 0.9},
			{Type: "email", Value: "jane@example.com", Confidence: 0.99},
			{Type: "amount", Value: "$250,000", Confidence: 0.9},
		}},
	}

	err := r.Deidentify(context.Background(), testSpan(), doc)
	require.NoError(t, err)

	ents := doc.Extraction.Entities
	assert.Equal(t, "[REDACTED]", ents[0].Value)
	assert.True(t, ents[0].Masked)
	assert.Equal(t, "[REDACTED]", ents[1].Value)
	assert.Equal(t, "[REDACTED]", ents[2].Value)
	// amounts are not masked
	assert.Equal(t, "$250,000", ents[3].Value)
	assert.False(t, ents[3].Masked)

	require.NotNil(t, doc.Deidentification)
	assert.Equal(t, 1, doc.PIIItemsMasked)
}

func TestDeidentify_MalformedReplyStillMasks(t *testing.T) {
	r := newTestRunner(t, mock.NewMalformedProvider("oops"), nil)
	doc := &models.Document{
		Pages: []models.Page{{Text: "text", PageID: 0}},
		Extraction: &models.Extraction{Entities: []models.Entity{
			{Type: "person", Value: "Jane Doe"},
		}},
	}

	err := r.Deidentify(context.Background(), testSpan(), doc)
	require.NoError(t, err)

	assert.Equal(t, "[REDACTED]", doc.Extraction.Entities[0].Value)
	assert.Empty(t, doc.Deidentification.PIIItems)
	assert.Equal(t, 0, doc.PIIItemsMasked)
}

func TestQuery_TruncatesPromptText(t *testing.T) {
	var gotPrompt string
	querier := &mock.MockProvider{
		Name_: "mock",
		QueryFunc: func(_ context.Context, req ai.QueryRequest) (*ai.Completion, error) {
			gotPrompt = req.Prompt
			return &ai.Completion{Text: "{}", Model: "mock-v1"}, nil
		},
	}
	r := newTestRunner(t, querier, nil)
	doc := &models.Document{Pages: []models.Page{{Text: strings.Repeat("x", 20000), PageID: 0}}}

	require.NoError(t, r.Categorize(context.Background(), testSpan(), doc))
	assert.Contains(t, gotPrompt, strings.Repeat("x", promptCharLimit))
	assert.NotContains(t, gotPrompt, strings.Repeat("x", promptCharLimit+1))
}

func TestDecodeLenient(t *testing.T) {
	type payload struct {
		A string `json:"a"`
	}

	tests := []struct {
		name string
		in   string
		ok   bool
		want string
	}{
		{"plain json", `{"a":"x"}`, true, "x"},
		{"fenced json", "```json\n{\"a\":\"x\"}\n```", true, "x"},
		{"bare fence", "```\n{\"a\":\"x\"}\n```", true, "x"},
		{"leading whitespace", "  \n {\"a\":\"x\"}", true, "x"},
		{"prose", "the document is a loan application", false, ""},
		{"empty", "", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p payload
			assert.Equal(t, tt.ok, decodeLenient(tt.in, &p))
			assert.Equal(t, tt.want, p.A)
		})
	}
}

func TestForcedFailure_OnlyNamedStage(t *testing.T) {
	r := NewStageRunner(newFakeVolume(), &fakeWarehouse{text: "t"}, mock.NewMockProvider(),
		testAICfg(), config.DefaultPrompts(), models.StageExtract, slog.New(slog.DiscardHandler))
	doc := &models.Document{Pages: []models.Page{{Text: "t", PageID: 0}}}

	require.NoError(t, r.Categorize(context.Background(), testSpan(), doc))
	err := r.Extract(context.Background(), testSpan(), doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forced failure")
}

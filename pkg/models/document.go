package models

import "time"

// Envelope statuses returned by stage functions.
const (
	EnvelopeSuccess = "success"
	EnvelopeFailed  = "failed"
)

// Page is one logical page of parsed text. The parse stage collapses all
// extracted elements into a single page; downstream stages must not assume
// more than one.
type Page struct {
	Text   string `json:"text"`
	PageID int    `json:"page_id"`
}

// Categorization is the classification produced by the categorize stage.
type Categorization struct {
	PrimaryCategory        string  `json:"primary_category"`
	PrimaryConfidence      float64 `json:"primary_confidence"`
	PrimaryJustification   string  `json:"primary_justification"`
	SecondaryCategory      string  `json:"secondary_category"`
	SecondaryConfidence    float64 `json:"secondary_confidence"`
	SecondaryJustification string  `json:"secondary_justification"`
	// RawResponse carries a sample of the model output when it was not valid
	// JSON and the degraded fallback was used.
	RawResponse string `json:"raw_response,omitempty"`
}

// Entity is one extracted entity.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Masked     bool    `json:"masked,omitempty"`
}

// Extraction is the entity set produced by the extract stage.
type Extraction struct {
	Entities    []Entity `json:"entities"`
	RawResponse string   `json:"raw_response,omitempty"`
}

// PIIItem is one detected piece of personally identifiable information.
type PIIItem struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	Strategy    string `json:"strategy"`
	Replacement string `json:"replacement"`
}

// Deidentification is the PII report produced by the deidentify stage.
type Deidentification struct {
	PIIItems    []PIIItem `json:"pii_items"`
	RawResponse string    `json:"raw_response,omitempty"`
}

// Document is the cumulative stage envelope. Each stage fills its own fields
// and passes everything prior through untouched, so the envelope only ever
// grows as it moves down the pipeline. It serializes as one JSON object per
// stage into the results table.
type Document struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Ingest
	OriginalFilename string `json:"original_filename,omitempty"`
	SafeFilename     string `json:"safe_filename,omitempty"`
	VolumePath       string `json:"volume_path,omitempty"`
	SizeBytes        int    `json:"size_bytes,omitempty"`
	FileHashSHA256   string `json:"file_hash_sha256,omitempty"`

	// Parse
	Pages       []Page `json:"pages,omitempty"`
	StatementID string `json:"statement_id,omitempty"`

	// Categorize
	Categorization *Categorization `json:"categorization,omitempty"`

	// Extract
	Extraction    *Extraction `json:"extraction,omitempty"`
	EntitiesCount int         `json:"entities_count,omitempty"`

	// Deidentify
	Deidentification *Deidentification `json:"deidentification,omitempty"`
	PIIItemsMasked   int               `json:"pii_items_masked,omitempty"`

	ModelUsed string `json:"model_used,omitempty"`
}

// Text joins the page texts into a single document string. Missing pages
// yield an empty string rather than an error so partially-present envelopes
// can still flow through replay.
func (d *Document) Text() string {
	switch len(d.Pages) {
	case 0:
		return ""
	case 1:
		return d.Pages[0].Text
	}
	var sb []byte
	for i, p := range d.Pages {
		if i > 0 {
			sb = append(sb, "\n\n"...)
		}
		sb = append(sb, p.Text...)
	}
	return string(sb)
}

// Succeeded reports whether the envelope carries a success status.
func (d *Document) Succeeded() bool { return d.Status == EnvelopeSuccess }

// Package trace records pipeline execution traces. Every run gets a parent
// span; each stage gets a child span carrying model and token attributes.
// Stages that are skipped because cached results were reused get a replay
// span, so a resumed trace still shows the full pipeline shape.
package trace

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// Span kinds.
const (
	KindPipeline = "pipeline"
	KindStage    = "stage"
	KindReplay   = "cached_replay"
)

// maxAttrBytes caps recorded attribute values so a parsed document never
// bloats the trace store.
const maxAttrBytes = 500

// Attrs is a set of span attributes. Values are stringified and truncated
// when recorded.
type Attrs map[string]any

// Span is one recorded unit of work.
type Span struct {
	SpanID    string
	TraceID   string
	ParentID  string
	Name      string
	Kind      string
	Attrs     map[string]string
	StartTime time.Time
	EndTime   time.Time
	Err       string

	rec Recorder
	mu  sync.Mutex
}

// Recorder receives finished spans. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(span *Span)
}

var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
var entropyMu sync.Mutex

// NewTraceID returns a fresh trace id.
func NewTraceID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return "tr-" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func newSpanID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// StartPipeline opens the parent span of a run and returns it. The caller
// must End it after the last stage span has ended.
func StartPipeline(rec Recorder, traceID, name string, attrs Attrs) *Span {
	s := &Span{
		SpanID:    newSpanID(),
		TraceID:   traceID,
		Name:      name,
		Kind:      KindPipeline,
		Attrs:     make(map[string]string),
		StartTime: time.Now().UTC(),
		rec:       rec,
	}
	s.SetAttrs(attrs)
	return s
}

// StartStage opens a child span for one stage execution.
func (s *Span) StartStage(name string, attrs Attrs) *Span {
	child := &Span{
		SpanID:    newSpanID(),
		TraceID:   s.TraceID,
		ParentID:  s.SpanID,
		Name:      name,
		Kind:      KindStage,
		Attrs:     make(map[string]string),
		StartTime: time.Now().UTC(),
		rec:       s.rec,
	}
	child.SetAttrs(attrs)
	return child
}

// RecordReplay emits an already-finished child span marking a stage whose
// stored result was reused instead of executed.
func (s *Span) RecordReplay(name string, attrs Attrs) {
	now := time.Now().UTC()
	child := &Span{
		SpanID:    newSpanID(),
		TraceID:   s.TraceID,
		ParentID:  s.SpanID,
		Name:      name,
		Kind:      KindReplay,
		Attrs:     make(map[string]string),
		StartTime: now,
		EndTime:   now,
		rec:       s.rec,
	}
	child.SetAttrs(attrs)
	child.SetAttr("is_cached_replay", true)
	if s.rec != nil {
		s.rec.Record(child)
	}
}

// SetAttr records one attribute, stringified and truncated.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attrs[key] = truncate(fmt.Sprintf("%v", value), maxAttrBytes)
}

// SetAttrs records a batch of attributes.
func (s *Span) SetAttrs(attrs Attrs) {
	for k, v := range attrs {
		s.SetAttr(k, v)
	}
}

// End closes the span, attaching the error if any, and hands it to the
// recorder.
func (s *Span) End(err error) {
	s.mu.Lock()
	s.EndTime = time.Now().UTC()
	if err != nil {
		s.Err = truncate(err.Error(), maxAttrBytes)
	}
	s.mu.Unlock()
	if s.rec != nil {
		s.rec.Record(s)
	}
}

// Duration returns the span's elapsed time, zero if still open.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// truncate shortens s to maxBytes without splitting UTF-8 runes.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

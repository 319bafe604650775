package trace

import (
	"log/slog"
	"sync"
)

// SlogRecorder writes finished spans to structured logs.
type SlogRecorder struct {
	logger *slog.Logger
}

func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	return &SlogRecorder{logger: logger}
}

func (r *SlogRecorder) Record(span *Span) {
	attrs := []any{
		"trace_id", span.TraceID,
		"span_id", span.SpanID,
		"span_kind", span.Kind,
		"span_name", span.Name,
		"duration_ms", span.Duration().Milliseconds(),
	}
	if span.ParentID != "" {
		attrs = append(attrs, "parent_id", span.ParentID)
	}
	for k, v := range span.Attrs {
		attrs = append(attrs, k, v)
	}
	if span.Err != "" {
		attrs = append(attrs, "error", span.Err)
		r.logger.Error("span finished", attrs...)
		return
	}
	r.logger.Info("span finished", attrs...)
}

// MemoryRecorder keeps finished spans in memory for assertions in tests.
type MemoryRecorder struct {
	mu    sync.Mutex
	spans []*Span
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(span *Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span)
}

// Spans returns the recorded spans in completion order.
func (r *MemoryRecorder) Spans() []*Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Span, len(r.spans))
	copy(out, r.spans)
	return out
}

// ByTrace returns the spans recorded under one trace id.
func (r *MemoryRecorder) ByTrace(traceID string) []*Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Span
	for _, s := range r.spans {
		if s.TraceID == traceID {
			out = append(out, s)
		}
	}
	return out
}

var _ Recorder = (*SlogRecorder)(nil)
var _ Recorder = (*MemoryRecorder)(nil)

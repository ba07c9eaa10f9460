// Package tracing times request pipelines as trees of spans and emits them
// through slog. It is deliberately in-process only; the trace ID is the
// request ID, so spans can be joined with request logs.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type spanCtxKey struct{}

// Span is one timed operation. Child spans attach themselves to the parent
// found in the context.
type Span struct {
	name    string
	traceID string
	start   time.Time
	elapsed time.Duration

	mu       sync.Mutex
	attrs    []any
	children []*Span
}

// StartSpan opens a root span identified by traceID and returns a context
// carrying it.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{name: name, traceID: traceID, start: time.Now()}
	return context.WithValue(ctx, spanCtxKey{}, s), s
}

// StartChildSpan opens a span under the one carried by ctx. Without a
// parent in ctx the span is a detached root with an empty trace ID.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	child := &Span{name: name, start: time.Now()}
	if parent := fromContext(ctx); parent != nil {
		child.traceID = parent.traceID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, spanCtxKey{}, child), child
}

// SetAttr attaches a key/value pair emitted with the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

// End fixes the span's duration. Children still running keep their own
// clocks.
func (s *Span) End() {
	s.elapsed = time.Since(s.start)
}

// Log emits the span and its subtree as debug records, one per span.
func (s *Span) Log() {
	s.emit(0)
}

func (s *Span) emit(depth int) {
	s.mu.Lock()
	args := make([]any, 0, 8+len(s.attrs))
	args = append(args,
		"trace_id", s.traceID,
		"span", s.name,
		"duration_ms", s.elapsed.Milliseconds(),
		"depth", depth,
	)
	args = append(args, s.attrs...)
	children := s.children
	s.mu.Unlock()

	slog.Debug("span", args...)
	for _, child := range children {
		child.emit(depth + 1)
	}
}

func fromContext(ctx context.Context) *Span {
	if s, ok := ctx.Value(spanCtxKey{}).(*Span); ok {
		return s
	}
	return nil
}

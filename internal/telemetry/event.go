// Package telemetry records what a worker pass did: one span and one log
// record per pass plus failure and success counters.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nuetzliches/accountdelete"

// Event is the record of one unit of work. Fields may be set until Finish,
// which must always run; later calls to Finish are no-ops.
type Event struct {
	Name       string
	CallerName string

	Success       bool
	ErrorCode     string
	ErrorMessage  string
	RequestStatus string

	mu       sync.Mutex
	extra    map[string]string
	span     trace.Span
	logger   *slog.Logger
	start    time.Time
	finished bool
}

// StartEvent opens a span named name and returns an Event that closes it.
// A nil tracer uses the global provider and a nil logger slog.Default.
func StartEvent(ctx context.Context, tracer trace.Tracer, logger *slog.Logger, name string) (context.Context, *Event) {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, &Event{
		Name:   name,
		extra:  make(map[string]string),
		span:   span,
		logger: logger,
		start:  time.Now(),
	}
}

// Set records an extra key/value pair, replacing any earlier value.
func (e *Event) Set(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extra[key] = value
}

func (e *Event) Extra(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.extra[key]
	return v, ok
}

// ExtraData returns a copy of all extra pairs.
func (e *Event) ExtraData() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.extra))
	for k, v := range e.extra {
		out[k] = v
	}
	return out
}

func (e *Event) Fail(code, message string) {
	e.Success = false
	e.ErrorCode = code
	e.ErrorMessage = message
}

func (e *Event) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// Finish ends the span and writes the log record.
func (e *Event) Finish() {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	keys := make([]string, 0, len(e.extra))
	for k := range e.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	extra := make([]attribute.KeyValue, 0, len(keys))
	logExtra := make([]any, 0, len(keys))
	for _, k := range keys {
		extra = append(extra, attribute.String("extra."+k, e.extra[k]))
		logExtra = append(logExtra, slog.String(k, e.extra[k]))
	}
	e.mu.Unlock()

	duration := time.Since(e.start)

	e.span.SetAttributes(
		attribute.Bool("event.success", e.Success),
		attribute.String("event.caller", e.CallerName),
	)
	if e.ErrorCode != "" {
		e.span.SetAttributes(attribute.String("event.error_code", e.ErrorCode))
	}
	if e.RequestStatus != "" {
		e.span.SetAttributes(attribute.String("event.request_status", e.RequestStatus))
	}
	e.span.SetAttributes(extra...)
	if e.Success {
		e.span.SetStatus(codes.Ok, "")
	} else {
		e.span.SetStatus(codes.Error, e.ErrorMessage)
	}
	e.span.End()

	attrs := []any{
		slog.String("event", e.Name),
		slog.String("caller", e.CallerName),
		slog.Bool("success", e.Success),
		slog.Duration("duration", duration),
	}
	if e.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", e.ErrorCode))
	}
	if e.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error_message", e.ErrorMessage))
	}
	if e.RequestStatus != "" {
		attrs = append(attrs, slog.String("request_status", e.RequestStatus))
	}
	if len(logExtra) > 0 {
		attrs = append(attrs, slog.Group("extra", logExtra...))
	}

	level := slog.LevelInfo
	if !e.Success {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "api_event", attrs...)
}

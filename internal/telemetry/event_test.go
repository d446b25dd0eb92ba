package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return rec, tp
}

func TestEvent_FinishRecordsSpanAndLog(t *testing.T) {
	rec, tp := newTestTracer()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	_, ev := StartEvent(context.Background(), tp.Tracer("test"), logger, "QueueProcessor")
	ev.CallerName = "Worker"
	ev.Set("GetMessagesCount", "3")
	ev.Fail("QueueProcessorError", "boom")
	ev.Finish()
	ev.Finish()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans=%d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "QueueProcessor" {
		t.Fatalf("span name=%q", span.Name())
	}
	if span.Status().Code != codes.Error || span.Status().Description != "boom" {
		t.Fatalf("status=%+v", span.Status())
	}
	found := false
	for _, kv := range span.Attributes() {
		if string(kv.Key) == "extra.GetMessagesCount" && kv.Value.AsString() == "3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("extra attribute missing: %v", span.Attributes())
	}

	var rec1 map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec1); err != nil {
		t.Fatalf("log is not a single JSON record: %v (%s)", err, buf.String())
	}
	if rec1["msg"] != "api_event" || rec1["level"] != "WARN" || rec1["error_code"] != "QueueProcessorError" {
		t.Fatalf("log record=%v", rec1)
	}
	extra, _ := rec1["extra"].(map[string]any)
	if extra["GetMessagesCount"] != "3" {
		t.Fatalf("extra=%v", rec1["extra"])
	}
}

func TestEvent_SuccessIsInfo(t *testing.T) {
	rec, tp := newTestTracer()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	_, ev := StartEvent(context.Background(), tp.Tracer("test"), logger, "pass")
	ev.Success = true
	if ev.Finished() {
		t.Fatalf("finished before Finish")
	}
	ev.Finish()
	if !ev.Finished() {
		t.Fatalf("not finished after Finish")
	}

	if got := rec.Ended()[0].Status().Code; got != codes.Ok {
		t.Fatalf("status=%v, want Ok", got)
	}
	var rec1 map[string]any
	_ = json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec1)
	if rec1["level"] != "INFO" || rec1["success"] != true {
		t.Fatalf("log record=%v", rec1)
	}
}

func TestEvent_ExtraDataIsCopy(t *testing.T) {
	_, ev := StartEvent(context.Background(), nil, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), "pass")
	ev.Set("a", "1")
	m := ev.ExtraData()
	m["a"] = "2"
	if v, _ := ev.Extra("a"); v != "1" {
		t.Fatalf("extra mutated through copy: %q", v)
	}
	ev.Finish()
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder()
	r.Failure(ctx, "getxuid")
	r.Failure(ctx, "getxuid")
	r.Success(ctx)
	r.QueueDepth(ctx, "q0", 4, time.Minute)

	if r.Failures("getxuid") != 2 || r.Failures("validation") != 0 || r.Successes() != 1 {
		t.Fatalf("failures/successes not recorded")
	}
	if d := r.Depths()["q0"]; d.Size != 4 || d.Age != time.Minute {
		t.Fatalf("depth=%+v", d)
	}
}

func TestMeterCounters(t *testing.T) {
	c, err := NewMeterCounters(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("new meter counters: %v", err)
	}
	ctx := context.Background()
	c.Failure(ctx, "validation")
	c.Success(ctx)
	c.QueueDepth(ctx, "q0", 1, time.Second)

	if _, err := NewMeterCounters(nil); err != nil {
		t.Fatalf("global meter counters: %v", err)
	}
}

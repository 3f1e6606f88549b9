package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRun_RecordsWorkflowSpan(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.o.Run(ctx, "intelligent_incident_response",
		json.RawMessage(`{"incident_description":"ledger writes failing"}`)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// invalid payloads are rejected before a span starts
	if _, err := h.o.Run(ctx, "intelligent_incident_response", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing description")
	}

	var ok *tracetest.SpanStub
	var count int
	spans := exporter.GetSpans()
	for i := range spans {
		if spans[i].Name == "workflow.intelligent_incident_response" {
			ok = &spans[i]
			count++
		}
	}
	if count != 1 {
		t.Fatalf("workflow spans = %d, want 1", count)
	}
	if ok.Status.Code == codes.Error {
		t.Errorf("span status = %v, want unset", ok.Status)
	}
	if got := spanAttr(ok.Attributes, "workflow.status"); got != StatusSuccess {
		t.Errorf("status attr = %q, want %q", got, StatusSuccess)
	}

	var steps int
	for _, ev := range ok.Events {
		if ev.Name == "step" {
			steps++
		}
	}
	if steps == 0 {
		t.Error("expected step events on the workflow span")
	}
}

func spanAttr(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

package tracer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"clawbridge/internal/domain"
	"clawbridge/internal/infra/config"
)

func TestSetupNoopVariants(t *testing.T) {
	for _, cfg := range []config.TracerConfig{
		{Enabled: false, Exporter: "stdout"},
		{Enabled: true},
		{Enabled: true, Exporter: "noop"},
	} {
		shutdown, err := Setup(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Setup(%+v): %v", cfg, err)
		}
		if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
			t.Errorf("Setup(%+v) installed %T, want noop", cfg, otel.GetTracerProvider())
		}
		shutdown(context.Background())
	}
}

func TestSetupStdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupWithWriter(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"}, &buf)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := StartSpan(context.Background(), "gateway.request")
	span.SetAttributes(KeyMethod.String("health"))
	Finish(span, nil)
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	otel.SetTracerProvider(noop.NewTracerProvider())

	out := buf.String()
	if !strings.Contains(out, "gateway.request") {
		t.Errorf("span not exported: %s", out)
	}
	if !strings.Contains(out, "rpc.method") {
		t.Errorf("attribute not exported: %s", out)
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	if err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func recordSpan(t *testing.T, err error) sdktrace.ReadOnlySpan {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "mcp.call_tool")
	Finish(span, err)
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d spans, want 1", len(ended))
	}
	return ended[0]
}

func TestFinishOK(t *testing.T) {
	span := recordSpan(t, nil)
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status().Code)
	}
	for _, kv := range span.Attributes() {
		if kv.Key == KeyErrorCode {
			t.Errorf("unexpected %s on a successful span", KeyErrorCode)
		}
	}
}

func TestFinishError(t *testing.T) {
	span := recordSpan(t, fmt.Errorf("send: %w", domain.ErrRequestTimeout))
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status().Code)
	}
	var code string
	for _, kv := range span.Attributes() {
		if kv.Key == KeyErrorCode {
			code = kv.Value.AsString()
		}
	}
	if code != string(domain.ErrorCodeOf(domain.ErrRequestTimeout)) {
		t.Errorf("error.code = %q", code)
	}
	if len(span.Events()) != 1 || span.Events()[0].Name != "exception" {
		t.Errorf("events = %+v", span.Events())
	}
}

func TestAttrHelpers(t *testing.T) {
	if s := StringAttr("key", "value"); string(s.Key) != "key" {
		t.Errorf("StringAttr key = %q", s.Key)
	}
	if i := Int64Attr("audit.duration_ms", 42); i.Value.AsInt64() != 42 {
		t.Errorf("Int64Attr value = %d", i.Value.AsInt64())
	}
	if kv := KeyTool.String("clawdbot_health"); kv.Value.AsString() != "clawdbot_health" {
		t.Errorf("KeyTool = %v", kv)
	}
}

package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	tracer, shutdown, err := Init(context.Background(), Config{}, "gatewarden", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if tracer == nil {
		t.Fatal("Init() returned nil tracer")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
}

func TestInitRequiresWriter(t *testing.T) {
	_, _, err := Init(context.Background(), Config{Enabled: true}, "gatewarden", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("Init() with nil writer should fail")
	}
}

func TestInitExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer, shutdown, err := Init(context.Background(), Config{Enabled: true, Writer: &buf}, "gatewarden", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := tracer.Start(context.Background(), "handle-message")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
	if !strings.Contains(buf.String(), "handle-message") {
		t.Errorf("exported spans missing span name, got %q", buf.String())
	}
}

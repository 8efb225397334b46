package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is "-".
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}

	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}

func TestChatID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := ChatID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithChatID(ctx, "telegram:42")
	if got := ChatID(ctx); got != "telegram:42" {
		t.Fatalf("expected telegram:42, got %q", got)
	}
}

func TestTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTaskID(ctx, "task-9")
	if got := TaskID(ctx); got != "task-9" {
		t.Fatalf("expected task-9, got %q", got)
	}
}

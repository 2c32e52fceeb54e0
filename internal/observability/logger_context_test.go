package observability

import (
	"context"
	"log/slog"
	"testing"
)

func TestLoggerRoundTrip(t *testing.T) {
	lg := slog.Default()
	base := context.Background()

	ctx := WithLogger(base, lg)
	if ctx == base {
		t.Fatal("expected a derived context when attaching a logger")
	}
	if got := Logger(ctx); got != lg {
		t.Fatalf("Logger did not return the attached logger, got %v", got)
	}

	if got := WithLogger(base, nil); got != base {
		t.Fatal("nil logger should leave the context unchanged")
	}
	if got := Logger(context.Background()); got == nil {
		t.Fatal("expected the default logger for a bare context")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	base := context.Background()

	ctx := WithRequestID(base, "req-123")
	if ctx == base {
		t.Fatal("expected a derived context when setting a request id")
	}
	if got := RequestID(ctx); got != "req-123" {
		t.Fatalf("RequestID() = %q, want %q", got, "req-123")
	}

	if got := WithRequestID(base, ""); got != base {
		t.Fatal("empty request id should leave the context unchanged")
	}
	if got := RequestID(context.Background()); got != "" {
		t.Fatalf("expected empty request id for a bare context, got %q", got)
	}
}

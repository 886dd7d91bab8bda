package services_test

import (
	"context"
	"testing"

	"stemdeck/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "job-1")
	ctx = services.WithJobKind(ctx, "download")
	ctx = services.WithUserID(ctx, "alice")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != "job-1" {
		t.Fatalf("unexpected job id: %v %v", id, ok)
	}
	if kind, ok := services.JobKindFromContext(ctx); !ok || kind != "download" {
		t.Fatalf("unexpected job kind: %v %v", kind, ok)
	}
	if user, ok := services.UserIDFromContext(ctx); !ok || user != "alice" {
		t.Fatalf("unexpected user id: %v %v", user, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "")
	ctx = services.WithUserID(ctx, "")
	if _, ok := services.JobIDFromContext(ctx); ok {
		t.Fatal("expected blank job id to be ignored")
	}
	if _, ok := services.UserIDFromContext(ctx); ok {
		t.Fatal("expected blank user id to be ignored")
	}
}

package services_test

import (
	"context"
	"testing"

	"shepherd/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithItemKey(ctx, "/data/movie_0001.tif")
	ctx = services.WithState(ctx, "compressing")
	ctx = services.WithRequestID(ctx, "req-123")

	if key, ok := services.ItemKeyFromContext(ctx); !ok || key != "/data/movie_0001.tif" {
		t.Fatalf("unexpected item key: %v %v", key, ok)
	}
	if state, ok := services.StateFromContext(ctx); !ok || state != "compressing" {
		t.Fatalf("unexpected state: %v %v", state, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithState(ctx, "")
	ctx = services.WithItemKey(ctx, "")
	if _, ok := services.StateFromContext(ctx); ok {
		t.Fatal("expected no state value")
	}
	if _, ok := services.ItemKeyFromContext(ctx); ok {
		t.Fatal("expected no item key value")
	}
}

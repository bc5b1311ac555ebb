package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shepherd/internal/logging"
	"shepherd/internal/testsupport"
)

func TestCleanStaleInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := CleanStale(context.Background(), dir, time.Hour, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanStaleRemovesOldPartials(t *testing.T) {
	root := t.TempDir()

	oldPartial := filepath.Join(root, "grid1", "movie_0001.tif.bz2.partial")
	testsupport.WriteAgedFile(t, oldPartial, 16, 2*time.Hour)
	recentPartial := filepath.Join(root, "movie_0002.tif.partial")
	testsupport.WriteFile(t, recentPartial, 16)
	oldComplete := filepath.Join(root, "movie_0003.tif.bz2")
	testsupport.WriteAgedFile(t, oldComplete, 16, 2*time.Hour)

	result := CleanStale(context.Background(), root, time.Hour, logging.NewNop())

	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
	if len(result.Removed) != 1 || result.Removed[0] != oldPartial {
		t.Fatalf("expected only %s removed, got %v", oldPartial, result.Removed)
	}
	if _, err := os.Stat(oldPartial); !os.IsNotExist(err) {
		t.Fatal("old partial should have been removed")
	}
	for _, keep := range []string{recentPartial, oldComplete} {
		if _, err := os.Stat(keep); err != nil {
			t.Fatalf("%s should remain: %v", keep, err)
		}
	}
}

func TestCleanStaleHonoursCancelledContext(t *testing.T) {
	root := t.TempDir()
	partial := filepath.Join(root, "movie_0004.tif.partial")
	testsupport.WriteAgedFile(t, partial, 16, 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := CleanStale(ctx, root, time.Hour, logging.NewNop())
	if len(result.Removed) != 0 {
		t.Fatalf("expected nothing removed after cancel, got %v", result.Removed)
	}
}

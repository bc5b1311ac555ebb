package pipeline_test

import (
	"errors"
	"regexp"
	"testing"

	"shepherd/internal/pipeline"
)

func TestGroupRefusesOverflow(t *testing.T) {
	g := pipeline.NewGroup("/tmp/p/movie.tif", 2)
	a := pipeline.NewItem("/data/movie_1.tif")
	b := pipeline.NewItem("/data/movie_2.tif")
	c := pipeline.NewItem("/data/movie_3.tif")

	if err := g.Add(a); err != nil {
		t.Fatal(err)
	}
	if g.IsComplete() {
		t.Fatal("group with one of two frames reported complete")
	}
	if err := g.Add(a); err != nil || g.Len() != 1 {
		t.Fatalf("re-adding a member should be a no-op, err=%v len=%d", err, g.Len())
	}
	if err := g.Add(b); err != nil {
		t.Fatal(err)
	}
	if !g.IsComplete() {
		t.Fatal("expected complete group")
	}
	if err := g.Add(c); !errors.Is(err, pipeline.ErrGroupFull) {
		t.Fatalf("expected ErrGroupFull, got %v", err)
	}
	if g.Len() != 2 {
		t.Fatalf("group exceeded expected count: %d", g.Len())
	}
}

func TestGroupAssemblyLatch(t *testing.T) {
	g := pipeline.NewGroup("/tmp/p/movie.tif", 1)
	if g.BeginAssembly() {
		t.Fatal("incomplete group must not start assembly")
	}
	frame := pipeline.NewItem("/data/movie_1.tif")
	frame.Files.LocalOriginal = "/tmp/p/movie_1.tif"
	if err := g.Add(frame); err != nil {
		t.Fatal(err)
	}
	if !g.BeginAssembly() {
		t.Fatal("expected latch acquired")
	}
	if g.BeginAssembly() {
		t.Fatal("latch must be held while assembling")
	}
	g.EndAssembly()
	if !g.BeginAssembly() {
		t.Fatal("expected latch re-acquired after failed assembly")
	}
	if paths := g.FramePaths(); len(paths) != 1 || paths[0] != "/tmp/p/movie_1.tif" {
		t.Fatalf("unexpected frame paths: %v", paths)
	}
	g.Seal()
	if g.BeginAssembly() || !g.Sealed() || g.Len() != 0 {
		t.Fatal("sealed group must not assemble again")
	}
	if err := g.Add(pipeline.NewItem("/data/movie_9.tif")); !errors.Is(err, pipeline.ErrGroupSealed) {
		t.Fatalf("expected ErrGroupSealed, got %v", err)
	}
}

func TestGroupKeyDerivation(t *testing.T) {
	opts := pipeline.Options{FrameSuffix: regexp.MustCompile(`[-_]\d+$`)}
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/tmp/proj/grid1_0042-1.tif", "/tmp/proj/grid1_0042.tif", false},
		{"/tmp/proj/grid1_0042_12.mrc", "/tmp/proj/grid1_0042.mrc", false},
		{"/tmp/proj/plain.tif", "", true},
		{"/tmp/proj/_1.tif", "", true},
	}
	for _, tc := range tests {
		got, err := opts.GroupKey(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %q, %v want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestStoragePathKeepsRelativeLayout(t *testing.T) {
	opts := pipeline.Options{LocalRoot: "/tmp/proj", StorageRoot: "/mnt/moab/proj"}
	if got := opts.StoragePath("/tmp/proj/sub/movie.tif.bz2"); got != "/mnt/moab/proj/sub/movie.tif.bz2" {
		t.Fatalf("unexpected storage path: %q", got)
	}
	if got := opts.StoragePath("/elsewhere/movie.tif.bz2"); got != "/mnt/moab/proj/movie.tif.bz2" {
		t.Fatalf("expected base name fallback, got %q", got)
	}
}

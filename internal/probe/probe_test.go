package probe_test

import (
	"os"
	"path/filepath"
	"testing"

	"shepherd/internal/config"
	"shepherd/internal/probe"
)

func TestMarkerBesideMovie(t *testing.T) {
	dir := t.TempDir()
	movie := filepath.Join(dir, "grid1_0042.tif")
	p := probe.Marker{Suffix: ".done"}

	if p.Complete(movie) {
		t.Fatal("expected incomplete before the marker exists")
	}
	if err := os.WriteFile(movie+".done", nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !p.Complete(movie) {
		t.Fatal("expected complete once the marker exists")
	}
}

func TestMarkerInSeparateDirectory(t *testing.T) {
	markers := t.TempDir()
	p := probe.Marker{Suffix: ".ok", Dir: markers}
	movie := "/tmp/proj/grid1_0042.tif"
	if got, want := p.Path(movie), filepath.Join(markers, "grid1_0042.tif.ok"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if err := os.Mkdir(p.Path(movie), 0o755); err != nil {
		t.Fatal(err)
	}
	if p.Complete(movie) {
		t.Fatal("a directory must not count as a marker")
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := probe.FromConfig(config.Processing{Enabled: false}).(probe.Always); !ok {
		t.Fatal("expected Always when processing is disabled")
	}
	p := probe.FromConfig(config.Processing{Enabled: true, MarkerSuffix: ".done", MarkerDir: "/m"})
	marker, ok := p.(probe.Marker)
	if !ok || marker.Suffix != ".done" || marker.Dir != "/m" {
		t.Fatalf("unexpected probe: %#v", p)
	}
	if !(probe.Always{}).Complete("/anything") {
		t.Fatal("Always must report complete")
	}
}

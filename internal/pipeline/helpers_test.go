package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shepherd/internal/logging"
	"shepherd/internal/pipeline"
	"shepherd/internal/scheduler"
)

var epoch = time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)

type fakeCompressor struct {
	mu    sync.Mutex
	codes []int
	calls []string
}

func (f *fakeCompressor) Compress(_ context.Context, path string) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	code := 0
	if len(f.codes) > 0 {
		code = f.codes[0]
		f.codes = f.codes[1:]
	}
	f.mu.Unlock()
	if code != 0 {
		return code, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return 0, os.WriteFile(path+".bz2", data, 0o644)
}

func (f *fakeCompressor) Suffix() string { return ".bz2" }

func (f *fakeCompressor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeStacker struct {
	mu    sync.Mutex
	codes []int
	calls [][]string
	outs  []string
}

func (f *fakeStacker) Stack(_ context.Context, frames []string, out string) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), frames...))
	f.outs = append(f.outs, out)
	code := 0
	if len(f.codes) > 0 {
		code = f.codes[0]
		f.codes = f.codes[1:]
	}
	f.mu.Unlock()
	if code != 0 {
		return code, nil
	}
	var joined []byte
	for _, frame := range frames {
		data, err := os.ReadFile(frame)
		if err != nil {
			return 0, err
		}
		joined = append(joined, data...)
	}
	return 0, os.WriteFile(out, joined, 0o644)
}

func (f *fakeStacker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProbe struct {
	done map[string]bool
}

func (f *fakeProbe) Complete(path string) bool { return f.done[path] }

// recorder keeps the latest view of every item, including retired ones.
type recorder struct {
	pipeline.NopObserver
	last    map[string]pipeline.ItemView
	retired map[string]bool
	failed  map[string]pipeline.Failure
}

func newRecorder() *recorder {
	return &recorder{
		last:    map[string]pipeline.ItemView{},
		retired: map[string]bool{},
		failed:  map[string]pipeline.Failure{},
	}
}

func (r *recorder) ItemAdded(v pipeline.ItemView) { r.last[v.Key] = v }

func (r *recorder) ItemTransitioned(v pipeline.ItemView, _ pipeline.HistoryEntry) { r.last[v.Key] = v }

func (r *recorder) ItemFailed(v pipeline.ItemView, f pipeline.Failure) {
	r.last[v.Key] = v
	r.failed[v.Key] = f
}

func (r *recorder) ItemRetired(v pipeline.ItemView) {
	r.last[v.Key] = v
	r.retired[v.Key] = true
}

type harness struct {
	t           *testing.T
	rec         *recorder
	clock       *scheduler.ManualClock
	sched       *scheduler.Scheduler
	pipeline    *pipeline.Pipeline
	machine     *pipeline.Machine
	watchDir    string
	localRoot   string
	storageRoot string
	compressor  *fakeCompressor
	stacker     *fakeStacker
	probe       *fakeProbe
}

func newHarness(t *testing.T, frames int, mutate func(*pipeline.Options, *pipeline.Dependencies)) *harness {
	t.Helper()
	base := t.TempDir()
	h := &harness{
		t:           t,
		clock:       scheduler.NewManualClock(epoch),
		watchDir:    filepath.Join(base, "krios"),
		localRoot:   filepath.Join(base, "local"),
		storageRoot: filepath.Join(base, "moab"),
		compressor:  &fakeCompressor{},
		stacker:     &fakeStacker{},
		probe:       &fakeProbe{done: map[string]bool{}},
		rec:         newRecorder(),
	}
	for _, dir := range []string{h.watchDir, h.localRoot, h.storageRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	h.sched = scheduler.New(h.clock, logging.NewNop())
	t.Cleanup(h.sched.Close)

	opts := pipeline.Options{
		LocalRoot:         h.localRoot,
		StorageRoot:       h.storageRoot,
		FramesPerMovie:    frames,
		SettleAfter:       15 * time.Second,
		ProcessingEnabled: true,
		ProcessingPoll:    10 * time.Second,
		StackMaxAttempts:  1,
		CopyWorkers:       2,
	}
	deps := pipeline.Dependencies{
		Scheduler:  h.sched,
		Compressor: h.compressor,
		Stacker:    h.stacker,
		Probe:      h.probe,
		Logger:     logging.NewNop(),
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	p, err := pipeline.New(opts, deps)
	if err != nil {
		t.Fatalf("pipeline.New returned error: %v", err)
	}
	h.pipeline = p
	h.machine = p.Machine()
	h.machine.Observe(h.rec)
	return h
}

// writeSource creates a watched file whose mtime is age before the manual clock.
func (h *harness) writeSource(name string, age time.Duration) string {
	h.t.Helper()
	path := filepath.Join(h.watchDir, name)
	if err := os.WriteFile(path, []byte("payload:"+name), 0o644); err != nil {
		h.t.Fatal(err)
	}
	mtime := h.clock.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		h.t.Fatal(err)
	}
	return path
}

func (h *harness) admit(paths ...string) {
	h.t.Helper()
	h.sched.Do(func() { h.pipeline.Admit(paths) })
	h.drain()
}

func (h *harness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sched.Drain(ctx); err != nil {
		h.t.Fatalf("drain: %v", err)
	}
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.drain()
}

func (h *harness) item(key string) *pipeline.Item {
	h.t.Helper()
	item, err := h.machine.Lookup(key)
	if err != nil {
		h.t.Fatalf("lookup %s: %v", key, err)
	}
	return item
}

func (h *harness) assertRetired(key string) {
	h.t.Helper()
	if _, err := h.machine.Lookup(key); !errors.Is(err, pipeline.ErrNotFound) {
		h.t.Fatalf("expected %s retired, lookup err=%v", key, err)
	}
}

// view returns the last observed view of key, which survives retirement.
func (h *harness) view(key string) pipeline.ItemView {
	h.t.Helper()
	v, ok := h.rec.last[key]
	if !ok {
		h.t.Fatalf("no events recorded for %s", key)
	}
	return v
}

func visited(item *pipeline.Item) []pipeline.State {
	return statesOf(item.History())
}

func statesOf(history []pipeline.HistoryEntry) []pipeline.State {
	var out []pipeline.State
	for _, entry := range history {
		out = append(out, entry.To)
	}
	return out
}

func assertPath(t *testing.T, item *pipeline.Item, want ...pipeline.State) {
	t.Helper()
	assertStates(t, visited(item), want...)
}

func assertStates(t *testing.T, got []pipeline.State, want ...pipeline.State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("unexpected state path: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected state path: got %v want %v", got, want)
		}
	}
}

func assertExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s to be removed, err=%v", path, err)
	}
}

package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"shepherd/internal/logging"
	"shepherd/internal/pipeline"
)

type scriptedWatcher struct {
	batches [][]string
	errs    []error
	calls   int
}

func (w *scriptedWatcher) Next(ctx context.Context) ([]string, error) {
	i := w.calls
	w.calls++
	if i >= len(w.batches) {
		return nil, pipeline.ErrWatchFinished
	}
	return w.batches[i], w.errs[i]
}

func TestDriverAdmitsBatchesUntilWatcherFinishes(t *testing.T) {
	h := newHarness(t, 1, nil)
	a := h.writeSource("a.tif", 0)
	b := h.writeSource("b.tif", 0)

	watcher := &scriptedWatcher{
		batches: [][]string{{a}, nil, {a, b}},
		errs:    []error{nil, errors.New("stale mount"), nil},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan error, 1)
	go func() { loopDone <- h.sched.Run(ctx) }()

	driver := pipeline.NewDriver(watcher, h.sched, h.pipeline, time.Millisecond, logging.NewNop())
	if err := driver.Run(ctx); err != nil {
		t.Fatalf("driver returned error: %v", err)
	}
	if watcher.calls != 4 {
		t.Fatalf("expected four polls, got %d", watcher.calls)
	}

	views := make(chan []pipeline.ItemView, 1)
	h.sched.Do(func() { views <- h.machine.Snapshot() })
	var got []pipeline.ItemView
	select {
	case got = <-views:
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot never ran on the loop")
	}

	cancel()
	if err := <-loopDone; err != nil {
		t.Fatalf("scheduler returned error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 admitted items, got %d", len(got))
	}
	for i, want := range []string{a, b} {
		if got[i].Key != want {
			t.Fatalf("item %d: got %q want %q", i, got[i].Key, want)
		}
		if got[i].State != pipeline.StateCreating {
			t.Fatalf("item %d: expected creating while settling, got %s", i, got[i].State)
		}
	}
}

func TestDriverStopsOnCancel(t *testing.T) {
	h := newHarness(t, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	driver := pipeline.NewDriver(&scriptedWatcher{batches: [][]string{{"/x"}}, errs: []error{nil}}, h.sched, h.pipeline, time.Hour, logging.NewNop())
	if err := driver.Run(ctx); err != nil {
		t.Fatalf("expected clean return on cancel, got %v", err)
	}
	if h.machine.Len() != 0 {
		t.Fatal("no item should be admitted after cancellation")
	}
}

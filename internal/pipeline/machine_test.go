package pipeline_test

import (
	"errors"
	"testing"
	"time"

	"shepherd/internal/logging"
	"shepherd/internal/pipeline"
)

func newMachine(t *testing.T, rec *recorder) *pipeline.Machine {
	t.Helper()
	now := epoch
	m := pipeline.NewMachine(nil, logging.NewNop(),
		pipeline.WithClock(func() time.Time {
			now = now.Add(time.Second)
			return now
		}),
		pipeline.WithObserver(rec),
	)
	t.Cleanup(m.Close)
	return m
}

func TestMachineAddItemRejectsDuplicates(t *testing.T) {
	m := newMachine(t, newRecorder())
	if err := m.AddItem(pipeline.NewItem("/data/a.tif"), pipeline.StateInitial); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	err := m.AddItem(pipeline.NewItem("/data/a.tif"), pipeline.StateInitial)
	if !errors.Is(err, pipeline.ErrDuplicateItem) {
		t.Fatalf("expected ErrDuplicateItem, got %v", err)
	}
	if err := m.AddItem(pipeline.NewItem("/data/b.tif"), pipeline.State("limbo")); err == nil {
		t.Fatal("expected unknown initial state to be rejected")
	}
	if m.Len() != 1 {
		t.Fatalf("expected one item, got %d", m.Len())
	}
}

func TestMachineApplyRunsDestinationHandler(t *testing.T) {
	rec := newRecorder()
	m := newMachine(t, rec)
	var entered []pipeline.State
	m.Handle(pipeline.StateCreating, func(item *pipeline.Item) {
		entered = append(entered, item.State())
		if len(item.History()) != 1 {
			t.Fatalf("handler ran before history was recorded")
		}
	})

	item := pipeline.NewItem("/data/a.tif")
	if err := m.AddItem(item, pipeline.StateInitial); err != nil {
		t.Fatal(err)
	}
	if err := m.Apply(item, pipeline.TransitionInitialize); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if len(entered) != 1 || entered[0] != pipeline.StateCreating {
		t.Fatalf("expected creating handler to run once, got %v", entered)
	}
	entry := item.History()[0]
	if entry.From != pipeline.StateInitial || entry.To != pipeline.StateCreating || entry.Transition != pipeline.TransitionInitialize {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
	if entry.At.IsZero() {
		t.Fatal("expected history timestamp")
	}
	if got := rec.last[item.Key].State; got != pipeline.StateCreating {
		t.Fatalf("observer saw state %s", got)
	}
}

func TestMachineApplyUndeclaredLeavesItemUntouched(t *testing.T) {
	m := newMachine(t, newRecorder())
	called := false
	m.Handle(pipeline.StateExporting, func(*pipeline.Item) { called = true })

	item := pipeline.NewItem("/data/a.tif")
	if err := m.AddItem(item, pipeline.StateCreating); err != nil {
		t.Fatal(err)
	}
	err := m.Apply(item, pipeline.TransitionExport)
	if !errors.Is(err, pipeline.ErrUndeclaredTransition) {
		t.Fatalf("expected ErrUndeclaredTransition, got %v", err)
	}
	if item.State() != pipeline.StateCreating || len(item.History()) != 0 || called {
		t.Fatal("undeclared transition must not change the item or run handlers")
	}
}

func TestMachineLookup(t *testing.T) {
	m := newMachine(t, newRecorder())
	file := pipeline.NewItem("/data/a.tif")
	group := pipeline.NewGroupItem("/tmp/proj/a.tif", 3)
	if err := m.AddItem(file, pipeline.StateInitial); err != nil {
		t.Fatal(err)
	}
	if err := m.AddItem(group, pipeline.StateStacking); err != nil {
		t.Fatal(err)
	}

	got, err := m.Lookup("/data/a.tif")
	if err != nil || got != file {
		t.Fatalf("Lookup returned %v, %v", got, err)
	}
	if _, err := m.Lookup("/data/missing.tif"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := m.LookupGroup("/data/a.tif"); ok {
		t.Fatal("plain items must not be returned as groups")
	}
	if g, ok := m.LookupGroup("/tmp/proj/a.tif"); !ok || g != group {
		t.Fatal("expected group lookup to succeed")
	}
	if group.State() != pipeline.StateStacking || len(group.History()) != 0 {
		t.Fatal("groups register directly into stacking without history")
	}
}

func TestMachineRemoveRetiresAndCancels(t *testing.T) {
	rec := newRecorder()
	m := newMachine(t, rec)
	item := pipeline.NewItem("/data/a.tif")
	if err := m.AddItem(item, pipeline.StateCleaning); err != nil {
		t.Fatal(err)
	}
	ctx := item.Context()

	if !m.Remove(item.Key) {
		t.Fatal("expected Remove to report removal")
	}
	if m.Remove(item.Key) {
		t.Fatal("second Remove should report nothing removed")
	}
	if ctx.Err() == nil {
		t.Fatal("expected item token cancelled")
	}
	if !rec.retired[item.Key] {
		t.Fatal("expected observer notified of retirement")
	}
	if err := m.Apply(item, pipeline.TransitionFinalize); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("expected transitions on retired items to fail, got %v", err)
	}
}

func TestMachineSnapshotAndCounts(t *testing.T) {
	m := newMachine(t, newRecorder())
	keys := []string{"/data/c.tif", "/data/a.tif", "/data/b.tif"}
	for _, key := range keys {
		if err := m.AddItem(pipeline.NewItem(key), pipeline.StateInitial); err != nil {
			t.Fatal(err)
		}
	}
	item, _ := m.Lookup("/data/a.tif")
	if err := m.Apply(item, pipeline.TransitionInitialize); err != nil {
		t.Fatal(err)
	}
	m.Fail(item, "stat", errors.New("gone"))

	views := m.Snapshot()
	if len(views) != 3 {
		t.Fatalf("expected 3 views, got %d", len(views))
	}
	for i, key := range keys {
		if views[i].Key != key {
			t.Fatalf("expected registration order %v, got %v at %d", keys, views[i].Key, i)
		}
	}
	if views[1].Failure == nil || views[1].Failure.Message != "gone" || views[1].Failure.State != pipeline.StateCreating {
		t.Fatalf("unexpected failure view: %+v", views[1].Failure)
	}
	counts := m.Counts()
	if counts[pipeline.StateInitial] != 2 || counts[pipeline.StateCreating] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

package journal_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"shepherd/internal/journal"
	"shepherd/internal/logging"
	"shepherd/internal/pipeline"
	"shepherd/internal/services"
)

var epoch = time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)

func mustCreate(t *testing.T) *journal.Store {
	t.Helper()
	store, err := journal.Create(filepath.Join(t.TempDir(), "logs", "journal-test.db"))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateRecreatesJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	first, err := journal.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Upsert(ctx, journal.ItemRecord{Key: "/a.tif", Kind: "file", State: pipeline.StateCreating, CreatedAt: epoch, UpdatedAt: epoch}); err != nil {
		t.Fatal(err)
	}
	_ = first.Close()

	second, err := journal.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	items, err := second.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected an empty journal after restart, got %d items", len(items))
	}
}

func TestOpenRequiresExistingJournal(t *testing.T) {
	_, err := journal.Open(filepath.Join(t.TempDir(), "missing.db"))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertListAndHistory(t *testing.T) {
	ctx := context.Background()
	store := mustCreate(t)

	rec := journal.ItemRecord{Key: "/data/a.tif", Kind: "file", State: pipeline.StateCreating, CreatedAt: epoch, UpdatedAt: epoch}
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	rec.State = pipeline.StateCompressing
	rec.LocalStack = "/tmp/p/a.tif"
	rec.Failure = "exit code 1"
	rec.FailureOp = "compress"
	rec.FailedAt = epoch.Add(time.Minute)
	rec.UpdatedAt = epoch.Add(time.Minute)
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	for i, entry := range []journal.TransitionRecord{
		{ItemKey: rec.Key, Transition: pipeline.TransitionInitialize, From: pipeline.StateInitial, To: pipeline.StateCreating, At: epoch},
		{ItemKey: rec.Key, Transition: pipeline.TransitionImportFile, From: pipeline.StateCreating, To: pipeline.StateImporting, At: epoch.Add(time.Second)},
	} {
		if err := store.Record(ctx, entry); err != nil {
			t.Fatalf("Record %d returned error: %v", i, err)
		}
	}

	items, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	got := items[0]
	if got.State != pipeline.StateCompressing || got.LocalStack != "/tmp/p/a.tif" || !got.Failed() {
		t.Fatalf("unexpected item: %+v", got)
	}
	if !got.FailedAt.Equal(epoch.Add(time.Minute)) || !got.CreatedAt.Equal(epoch) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}

	history, err := store.History(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[1].To != pipeline.StateImporting || history[0].Transition != pipeline.TransitionInitialize {
		t.Fatalf("unexpected history: %+v", history)
	}

	summary, err := store.Summarize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.States[pipeline.StateCompressing] != 1 || summary.Failed != 1 || summary.Retired != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestWriterMirrorsMachineEvents(t *testing.T) {
	ctx := context.Background()
	store := mustCreate(t)
	writer := journal.NewWriter(store, logging.NewNop())

	now := epoch
	machine := pipeline.NewMachine(nil, logging.NewNop(),
		pipeline.WithClock(func() time.Time { now = now.Add(time.Second); return now }),
		pipeline.WithObserver(writer),
	)
	defer machine.Close()

	a := pipeline.NewItem("/data/a.tif")
	b := pipeline.NewItem("/data/b.tif")
	for _, item := range []*pipeline.Item{a, b} {
		if err := machine.AddItem(item, pipeline.StateInitial); err != nil {
			t.Fatal(err)
		}
		if err := machine.Apply(item, pipeline.TransitionInitialize); err != nil {
			t.Fatal(err)
		}
	}
	machine.Fail(b, "stat", errors.New("source vanished"))
	machine.Remove(a.Key)
	writer.Flush(ctx)

	items, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Key != b.Key || items[0].State != pipeline.StateCreating {
		t.Fatalf("unexpected active items: %+v", items)
	}
	if items[0].Failure != "source vanished" || items[0].FailureOp != "stat" {
		t.Fatalf("failure not journaled: %+v", items[0])
	}
	history, err := store.History(ctx, a.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected retired item history kept, got %+v", history)
	}
	summary, err := store.Summarize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Retired != 1 {
		t.Fatalf("expected one retired item, got %d", summary.Retired)
	}
}

func TestWriterRunFlushesOnCancel(t *testing.T) {
	store := mustCreate(t)
	writer := journal.NewWriter(store, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- writer.Run(ctx) }()

	writer.ItemAdded(pipeline.ItemView{Key: "/data/c.tif", Kind: "file", State: pipeline.StateInitial, CreatedAt: epoch, UpdatedAt: epoch})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	items, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected queued event flushed on shutdown, got %d items", len(items))
	}
}

func TestWriterRunWritesEventsQueuedBeforeCancel(t *testing.T) {
	store := mustCreate(t)
	writer := journal.NewWriter(store, logging.NewNop())
	writer.ItemAdded(pipeline.ItemView{Key: "/data/d.tif", Kind: "file", State: pipeline.StateInitial, CreatedAt: epoch, UpdatedAt: epoch})
	writer.ItemRetired(pipeline.ItemView{Key: "/data/e.tif", Kind: "file", State: pipeline.StateFinished, UpdatedAt: epoch})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := writer.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	items, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Key != "/data/d.tif" {
		t.Fatalf("expected the added item written, got %+v", items)
	}
	summary, err := store.Summarize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Retired != 1 {
		t.Fatalf("expected the retirement written, got %d retired", summary.Retired)
	}
	if writer.Pending() != 0 {
		t.Fatalf("expected empty queue, got %d pending", writer.Pending())
	}
}

func TestWriterFlushKeepsEventsWhenContextEnds(t *testing.T) {
	store := mustCreate(t)
	writer := journal.NewWriter(store, logging.NewNop())
	writer.ItemAdded(pipeline.ItemView{Key: "/data/f.tif", Kind: "file", State: pipeline.StateInitial, CreatedAt: epoch, UpdatedAt: epoch})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	writer.Flush(ctx)
	if got := writer.Pending(); got != 1 {
		t.Fatalf("expected event kept queued after cancelled flush, got %d pending", got)
	}

	writer.Flush(context.Background())
	items, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected queued event written on the next flush, got %d items", len(items))
	}
}

package journal

import (
	"context"
	"log/slog"
	"sync"

	"shepherd/internal/logging"
	"shepherd/internal/pipeline"
)

type eventKind int

const (
	eventUpsert eventKind = iota
	eventTransition
	eventRetire
)

type event struct {
	kind  eventKind
	view  pipeline.ItemView
	entry pipeline.HistoryEntry
}

// Writer is a pipeline.Observer that queues lifecycle events and writes them
// to the Store from its own goroutine. The queue is unbounded so observer
// callbacks never block the scheduler loop.
type Writer struct {
	pipeline.NopObserver

	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	queue   []event
	wake    chan struct{}
	written int
	failed  int
}

// NewWriter constructs a Writer for store.
func NewWriter(store *Store, logger *slog.Logger) *Writer {
	return &Writer{
		store:  store,
		logger: logging.NewComponentLogger(logger, "journal"),
		wake:   make(chan struct{}, 1),
	}
}

func (w *Writer) ItemAdded(view pipeline.ItemView) {
	w.enqueue(event{kind: eventUpsert, view: view})
}

func (w *Writer) ItemTransitioned(view pipeline.ItemView, entry pipeline.HistoryEntry) {
	w.enqueue(event{kind: eventTransition, view: view, entry: entry})
}

func (w *Writer) ItemFailed(view pipeline.ItemView, _ pipeline.Failure) {
	w.enqueue(event{kind: eventUpsert, view: view})
}

func (w *Writer) ItemRetired(view pipeline.ItemView) {
	w.enqueue(event{kind: eventRetire, view: view})
}

func (w *Writer) enqueue(ev event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run writes queued events until ctx is cancelled, then flushes whatever is
// still queued before returning. Writes are detached from ctx so events
// queued at shutdown still reach the journal.
func (w *Writer) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		w.flush(writeCtx)
		select {
		case <-ctx.Done():
			w.flush(writeCtx)
			w.logger.Debug("journal writer stopped",
				logging.Int("written", w.written),
				logging.Int("failed", w.failed),
			)
			return nil
		case <-w.wake:
		}
	}
}

// Flush writes everything queued so far on the calling goroutine. Events not
// yet written when ctx ends stay queued for the next flush.
func (w *Writer) Flush(ctx context.Context) {
	w.flush(ctx)
}

// Pending reports how many events are queued and not yet written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Writer) flush(ctx context.Context) {
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for i, ev := range batch {
			if ctx.Err() != nil {
				w.requeue(batch[i:])
				return
			}
			if err := w.write(ctx, ev); err != nil {
				if ctx.Err() != nil {
					w.requeue(batch[i:])
					return
				}
				w.failed++
				logging.WarnWithContext(w.logger, "journal write failed", "journal_write_failed",
					logging.String(logging.FieldItemKey, ev.view.Key),
					logging.Error(err),
					logging.String(logging.FieldImpact, "shepherd status may show stale data; the pipeline is unaffected"),
				)
				continue
			}
			w.written++
		}
	}
}

// requeue puts unwritten events back ahead of anything queued since.
func (w *Writer) requeue(events []event) {
	w.mu.Lock()
	w.queue = append(append([]event(nil), events...), w.queue...)
	w.mu.Unlock()
}

func (w *Writer) write(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventTransition:
		if err := w.store.Record(ctx, TransitionRecord{
			ItemKey:    ev.view.Key,
			Transition: ev.entry.Transition,
			From:       ev.entry.From,
			To:         ev.entry.To,
			At:         ev.entry.At,
		}); err != nil {
			return err
		}
		return w.store.Upsert(ctx, RecordFromView(ev.view))
	case eventRetire:
		return w.store.Remove(ctx, RetiredRecord{
			Key:          ev.view.Key,
			Kind:         ev.view.Kind,
			State:        ev.view.State,
			StorageFinal: ev.view.Files.StorageFinal,
			RetiredAt:    ev.view.UpdatedAt,
		})
	default:
		return w.store.Upsert(ctx, RecordFromView(ev.view))
	}
}

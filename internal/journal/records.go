package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shepherd/internal/pipeline"
)

// ItemRecord is the journal row for an active item.
type ItemRecord struct {
	Key             string
	Kind            string
	State           pipeline.State
	GroupKey        string
	LocalStack      string
	LocalCompressed string
	StorageFinal    string
	Frames          int
	ExpectedFrames  int
	FailureOp       string
	Failure         string
	FailedAt        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Failed reports whether the item recorded a failure.
func (r ItemRecord) Failed() bool { return r.Failure != "" }

// TransitionRecord is one applied transition.
type TransitionRecord struct {
	ItemKey    string
	Transition pipeline.Transition
	From       pipeline.State
	To         pipeline.State
	At         time.Time
}

// RetiredRecord is the final row kept for an item that reached finished.
type RetiredRecord struct {
	Key          string
	Kind         string
	State        pipeline.State
	StorageFinal string
	RetiredAt    time.Time
}

// RecordFromView converts a pipeline snapshot into a journal row.
func RecordFromView(view pipeline.ItemView) ItemRecord {
	rec := ItemRecord{
		Key:             view.Key,
		Kind:            view.Kind,
		State:           view.State,
		GroupKey:        view.GroupKey,
		LocalStack:      view.Files.LocalStack,
		LocalCompressed: view.Files.LocalCompressed,
		StorageFinal:    view.Files.StorageFinal,
		Frames:          view.Frames,
		ExpectedFrames:  view.Expected,
		CreatedAt:       view.CreatedAt,
		UpdatedAt:       view.UpdatedAt,
	}
	if view.Failure != nil {
		rec.FailureOp = view.Failure.Op
		rec.Failure = view.Failure.Message
		rec.FailedAt = view.Failure.At
	}
	return rec
}

// Upsert inserts or replaces the row for rec.Key.
func (s *Store) Upsert(ctx context.Context, rec ItemRecord) error {
	err := s.exec(ctx,
		`INSERT INTO items (
            key, kind, state, group_key, local_stack, local_compressed, storage_final,
            frames, expected_frames, failure_op, failure, failed_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            kind = excluded.kind,
            state = excluded.state,
            group_key = excluded.group_key,
            local_stack = excluded.local_stack,
            local_compressed = excluded.local_compressed,
            storage_final = excluded.storage_final,
            frames = excluded.frames,
            expected_frames = excluded.expected_frames,
            failure_op = excluded.failure_op,
            failure = excluded.failure,
            failed_at = excluded.failed_at,
            updated_at = excluded.updated_at`,
		rec.Key,
		rec.Kind,
		string(rec.State),
		nullableString(rec.GroupKey),
		nullableString(rec.LocalStack),
		nullableString(rec.LocalCompressed),
		nullableString(rec.StorageFinal),
		rec.Frames,
		rec.ExpectedFrames,
		nullableString(rec.FailureOp),
		nullableString(rec.Failure),
		nullableString(formatTime(rec.FailedAt)),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", rec.Key, err)
	}
	return nil
}

// Record appends a transition to the item's history.
func (s *Store) Record(ctx context.Context, rec TransitionRecord) error {
	err := s.exec(ctx,
		`INSERT INTO transitions (item_key, transition, from_state, to_state, at) VALUES (?, ?, ?, ?, ?)`,
		rec.ItemKey, string(rec.Transition), string(rec.From), string(rec.To), formatTime(rec.At),
	)
	if err != nil {
		return fmt.Errorf("record transition %s for %s: %w", rec.Transition, rec.ItemKey, err)
	}
	return nil
}

// Remove drops the active row for key and keeps a retired marker. The
// transition history is kept.
func (s *Store) Remove(ctx context.Context, rec RetiredRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE key = ?`, rec.Key); err != nil {
		return fmt.Errorf("delete item %s: %w", rec.Key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO retired (key, kind, state, storage_final, retired_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Key, rec.Kind, string(rec.State), nullableString(rec.StorageFinal), formatTime(rec.RetiredAt),
	); err != nil {
		return fmt.Errorf("retire item %s: %w", rec.Key, err)
	}
	return tx.Commit()
}

// List returns active items in arrival order.
func (s *Store) List(ctx context.Context) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, kind, state, group_key, local_stack, local_compressed, storage_final,
                frames, expected_frames, failure_op, failure, failed_at, created_at, updated_at
         FROM items ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []ItemRecord
	for rows.Next() {
		var (
			rec                                        ItemRecord
			state                                      string
			groupKey, stack, compressed, final         sql.NullString
			failureOp, failure, failedAt, created, upd sql.NullString
		)
		if err := rows.Scan(&rec.Key, &rec.Kind, &state, &groupKey, &stack, &compressed, &final,
			&rec.Frames, &rec.ExpectedFrames, &failureOp, &failure, &failedAt, &created, &upd); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		rec.State = pipeline.State(state)
		rec.GroupKey = groupKey.String
		rec.LocalStack = stack.String
		rec.LocalCompressed = compressed.String
		rec.StorageFinal = final.String
		rec.FailureOp = failureOp.String
		rec.Failure = failure.String
		rec.FailedAt = parseTime(failedAt)
		rec.CreatedAt = parseTime(created)
		rec.UpdatedAt = parseTime(upd)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// History returns the transitions recorded for key, oldest first.
func (s *Store) History(ctx context.Context, key string) ([]TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_key, transition, from_state, to_state, at FROM transitions WHERE item_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", key, err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			rec            TransitionRecord
			name, from, to string
			at             sql.NullString
		)
		if err := rows.Scan(&rec.ItemKey, &name, &from, &to, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.Transition = pipeline.Transition(name)
		rec.From = pipeline.State(from)
		rec.To = pipeline.State(to)
		rec.At = parseTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary counts active items per state, failed items, and retired items.
type Summary struct {
	States  map[pipeline.State]int
	Failed  int
	Retired int
}

// Summarize aggregates the journal for status output.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	summary := Summary{States: make(map[pipeline.State]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1), COUNT(failure) FROM items GROUP BY state`)
	if err != nil {
		return summary, fmt.Errorf("summarize items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state         string
			count, failed int
		)
		if err := rows.Scan(&state, &count, &failed); err != nil {
			return summary, fmt.Errorf("scan summary: %w", err)
		}
		summary.States[pipeline.State(state)] = count
		summary.Failed += failed
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM retired`).Scan(&summary.Retired); err != nil {
		return summary, fmt.Errorf("count retired: %w", err)
	}
	return summary, nil
}

package pipeline

import (
	"context"
	"time"

	"shepherd/internal/scheduler"
)

// Files holds the path variants an item accumulates on its way through the pipeline.
type Files struct {
	Original        string `json:"original"`
	LocalOriginal   string `json:"local_original,omitempty"`
	LocalStack      string `json:"local_stack,omitempty"`
	LocalCompressed string `json:"local_compressed,omitempty"`
	StorageFinal    string `json:"storage_final,omitempty"`
}

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	From       State      `json:"from"`
	To         State      `json:"to"`
	Transition Transition `json:"transition"`
	At         time.Time  `json:"at"`
}

// Failure describes why an item stopped advancing.
type Failure struct {
	State    State     `json:"state"`
	Op       string    `json:"op"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Err      error     `json:"-"`
}

// Item is one file (or one group placeholder) moving through the pipeline.
// Items are only touched from the scheduler loop.
type Item struct {
	Key   string
	Files Files

	state    State
	history  []HistoryEntry
	group    *Group
	groupKey string
	failure  *Failure
	attempts map[string]int
	created  time.Time
	updated  time.Time
	seq      int

	ctx     context.Context
	cancel  context.CancelFunc
	pending *scheduler.Task
	retired bool
}

// NewItem constructs an item for the file at path. The item is inert until
// registered with a Machine.
func NewItem(path string) *Item {
	return &Item{
		Key:      path,
		Files:    Files{Original: path},
		state:    StateInitial,
		attempts: make(map[string]int),
	}
}

// NewGroupItem constructs a group placeholder expecting the given number of
// frames. The group key doubles as the assembled stack path.
func NewGroupItem(key string, expected int) *Item {
	item := NewItem(key)
	item.Files.LocalStack = key
	item.group = NewGroup(key, expected)
	return item
}

// State returns the item's current state.
func (i *Item) State() State { return i.state }

// History returns a copy of the applied transitions, oldest first.
func (i *Item) History() []HistoryEntry {
	out := make([]HistoryEntry, len(i.history))
	copy(out, i.history)
	return out
}

// Group returns the membership tracker when the item is a group placeholder.
func (i *Item) Group() *Group { return i.group }

// IsGroup reports whether the item is a group placeholder.
func (i *Item) IsGroup() bool { return i.group != nil }

// GroupKey returns the key of the group a frame has joined, if any.
func (i *Item) GroupKey() string { return i.groupKey }

// Failure returns the recorded failure, or nil while the item is healthy.
func (i *Item) Failure() *Failure { return i.failure }

// Attempts returns how many times op has been started for this item.
func (i *Item) Attempts(op string) int { return i.attempts[op] }

// Context returns the item's cancellation token. It is done once the item is
// retired or the machine is closed.
func (i *Item) Context() context.Context {
	if i.ctx == nil {
		return context.Background()
	}
	return i.ctx
}

// Retired reports whether the item has left the active collection.
func (i *Item) Retired() bool { return i.retired }

func (i *Item) bumpAttempt(op string) int {
	i.attempts[op]++
	return i.attempts[op]
}

// track replaces the item's outstanding deferred or spawned task.
func (i *Item) track(task *scheduler.Task) {
	i.pending = task
}

// Kind classifies an item for display.
func (i *Item) Kind() string {
	switch {
	case i.group != nil:
		return "group"
	case i.groupKey != "":
		return "frame"
	default:
		return "file"
	}
}

// ItemView is a read-only copy of an item for status surfaces.
type ItemView struct {
	Key       string         `json:"key"`
	Kind      string         `json:"kind"`
	State     State          `json:"state"`
	Files     Files          `json:"files"`
	GroupKey  string         `json:"group_key,omitempty"`
	Frames    int            `json:"frames,omitempty"`
	Expected  int            `json:"expected_frames,omitempty"`
	Failure   *Failure       `json:"failure,omitempty"`
	Attempts  map[string]int `json:"attempts,omitempty"`
	History   []HistoryEntry `json:"history,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Sequence  int            `json:"-"`
	IsRetired bool           `json:"retired,omitempty"`
}

// View snapshots the item.
func (i *Item) View() ItemView {
	view := ItemView{
		Key:       i.Key,
		Kind:      i.Kind(),
		State:     i.state,
		Files:     i.Files,
		GroupKey:  i.groupKey,
		History:   i.History(),
		CreatedAt: i.created,
		UpdatedAt: i.updated,
		Sequence:  i.seq,
		IsRetired: i.retired,
	}
	if i.group != nil {
		view.Frames = i.group.Len()
		view.Expected = i.group.Expected()
	}
	if i.failure != nil {
		failure := *i.failure
		view.Failure = &failure
	}
	if len(i.attempts) > 0 {
		view.Attempts = make(map[string]int, len(i.attempts))
		for op, n := range i.attempts {
			view.Attempts[op] = n
		}
	}
	return view
}

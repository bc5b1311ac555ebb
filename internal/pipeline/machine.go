package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"shepherd/internal/logging"
	"shepherd/internal/scheduler"
)

var (
	// ErrNotFound is returned by Lookup when no active item has the key.
	ErrNotFound = errors.New("item not found")
	// ErrDuplicateItem is returned when registering a key that is already active.
	ErrDuplicateItem = errors.New("item already registered")
)

// Handler is a state-entry handler. It runs on the scheduler loop right after
// the item enters the state.
type Handler func(item *Item)

// Observer receives item lifecycle events. All methods are called on the
// scheduler loop and must not block.
type Observer interface {
	ItemAdded(view ItemView)
	ItemTransitioned(view ItemView, entry HistoryEntry)
	ItemFailed(view ItemView, failure Failure)
	ItemRetired(view ItemView)
	OperationCompleted(view ItemView, op string, result scheduler.Result)
	OperationRetried(view ItemView, op string, attempt int)
}

// NopObserver implements Observer with no-ops; embed it to observe a subset of events.
type NopObserver struct{}

func (NopObserver) ItemAdded(ItemView)                                    {}
func (NopObserver) ItemTransitioned(ItemView, HistoryEntry)               {}
func (NopObserver) ItemFailed(ItemView, Failure)                          {}
func (NopObserver) ItemRetired(ItemView)                                  {}
func (NopObserver) OperationCompleted(ItemView, string, scheduler.Result) {}
func (NopObserver) OperationRetried(ItemView, string, int)                {}

// Machine owns the transition table, the active items, and the per-state
// handler registry. It is not safe for concurrent use; drive it from the
// scheduler loop.
type Machine struct {
	table     *Table
	handlers  map[State]Handler
	items     map[string]*Item
	observers []Observer
	now       func() time.Time
	logger    *slog.Logger
	seq       int

	base   context.Context
	cancel context.CancelFunc
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock sets the time source used for history timestamps.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver registers an observer for lifecycle events.
func WithObserver(o Observer) MachineOption {
	return func(m *Machine) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// NewMachine constructs a Machine around table. A nil table selects DefaultTable.
func NewMachine(table *Table, logger *slog.Logger, opts ...MachineOption) *Machine {
	if table == nil {
		table = DefaultTable()
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Machine{
		table:    table,
		handlers: make(map[State]Handler),
		items:    make(map[string]*Item),
		now:      time.Now,
		logger:   logging.NewComponentLogger(logger, "machine"),
		base:     base,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Table returns the transition table.
func (m *Machine) Table() *Table { return m.table }

// Handle registers h as the entry handler for state, replacing any previous one.
func (m *Machine) Handle(state State, h Handler) {
	if h == nil {
		delete(m.handlers, state)
		return
	}
	m.handlers[state] = h
}

// Observe adds an observer after construction.
func (m *Machine) Observe(o Observer) {
	if o != nil {
		m.observers = append(m.observers, o)
	}
}

// AddItem registers item under its key in the initial state. Registration
// does not run the state's entry handler.
func (m *Machine) AddItem(item *Item, initial State) error {
	if item == nil || item.Key == "" {
		return errors.New("item key required")
	}
	if !initial.Valid() {
		return fmt.Errorf("add %s: unknown state %q", item.Key, initial)
	}
	if _, exists := m.items[item.Key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, item.Key)
	}
	m.seq++
	now := m.now()
	item.state = initial
	item.seq = m.seq
	item.created = now
	item.updated = now
	item.retired = false
	item.ctx, item.cancel = context.WithCancel(m.base)
	if item.attempts == nil {
		item.attempts = make(map[string]int)
	}
	m.items[item.Key] = item

	m.logger.Debug("item registered",
		logging.String(logging.FieldItemKey, item.Key),
		logging.String(logging.FieldState, string(initial)),
		logging.String("kind", item.Kind()),
	)
	view := item.View()
	for _, o := range m.observers {
		o.ItemAdded(view)
	}
	return nil
}

// Apply performs the named transition on item and then synchronously runs the
// destination state's handler. An undeclared transition leaves the item
// untouched and returns ErrUndeclaredTransition.
func (m *Machine) Apply(item *Item, name Transition) error {
	if item == nil {
		return errors.New("apply: nil item")
	}
	if item.retired {
		return fmt.Errorf("apply %s to %s: %w", name, item.Key, ErrNotFound)
	}
	dest, err := m.table.Destination(item.state, name)
	if err != nil {
		return fmt.Errorf("apply to %s: %w", item.Key, err)
	}

	entry := HistoryEntry{From: item.state, To: dest, Transition: name, At: m.now()}
	item.history = append(item.history, entry)
	item.state = dest
	item.updated = entry.At

	m.logger.Debug("transition applied",
		logging.String(logging.FieldItemKey, item.Key),
		logging.String(logging.FieldTransition, string(name)),
		logging.String("from", string(entry.From)),
		logging.String(logging.FieldState, string(dest)),
	)
	if len(m.observers) > 0 {
		view := item.View()
		for _, o := range m.observers {
			o.ItemTransitioned(view, entry)
		}
	}

	if handler, ok := m.handlers[dest]; ok {
		handler(item)
	}
	return nil
}

// Lookup returns the active item registered under key.
func (m *Machine) Lookup(key string) (*Item, error) {
	item, ok := m.items[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return item, nil
}

// LookupGroup returns the active group placeholder registered under key.
func (m *Machine) LookupGroup(key string) (*Item, bool) {
	item, ok := m.items[key]
	if !ok || !item.IsGroup() {
		return nil, false
	}
	return item, true
}

// Remove retires the item registered under key, cancelling its token and any
// outstanding task. It reports whether an item was removed.
func (m *Machine) Remove(key string) bool {
	item, ok := m.items[key]
	if !ok {
		return false
	}
	delete(m.items, key)
	item.retired = true
	item.updated = m.now()
	if item.pending != nil {
		item.pending.Cancel()
		item.pending = nil
	}
	if item.cancel != nil {
		item.cancel()
	}

	m.logger.Debug("item retired",
		logging.String(logging.FieldItemKey, key),
		logging.String(logging.FieldState, string(item.state)),
	)
	view := item.View()
	for _, o := range m.observers {
		o.ItemRetired(view)
	}
	return true
}

// Fail records a failure on item. The item keeps its state and stops advancing.
func (m *Machine) Fail(item *Item, op string, err error) {
	if item == nil {
		return
	}
	failure := Failure{
		State:    item.state,
		Op:       op,
		Attempts: item.attempts[op],
		At:       m.now(),
		Err:      err,
	}
	if err != nil {
		failure.Message = err.Error()
	}
	item.failure = &failure
	item.updated = failure.At

	view := item.View()
	for _, o := range m.observers {
		o.ItemFailed(view, failure)
	}
}

// Len returns the number of active items.
func (m *Machine) Len() int { return len(m.items) }

// Snapshot returns views of every active item in registration order.
func (m *Machine) Snapshot() []ItemView {
	views := make([]ItemView, 0, len(m.items))
	for _, item := range m.items {
		views = append(views, item.View())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Sequence < views[j].Sequence })
	return views
}

// Counts returns the number of active items per state.
func (m *Machine) Counts() map[State]int {
	counts := make(map[State]int, len(States))
	for _, item := range m.items {
		counts[item.state]++
	}
	return counts
}

// Close cancels every item token.
func (m *Machine) Close() {
	m.cancel()
}

func (m *Machine) notifyOperation(item *Item, op string, result scheduler.Result) {
	if len(m.observers) == 0 {
		return
	}
	view := item.View()
	for _, o := range m.observers {
		o.OperationCompleted(view, op, result)
	}
}

func (m *Machine) notifyRetry(item *Item, op string, attempt int) {
	if len(m.observers) == 0 {
		return
	}
	view := item.View()
	for _, o := range m.observers {
		o.OperationRetried(view, op, attempt)
	}
}

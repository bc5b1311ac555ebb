package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrUndeclaredTransition is returned when a transition is not declared for
// the item's current state.
var ErrUndeclaredTransition = errors.New("undeclared transition")

// State is one of the declared pipeline states.
type State string

const (
	StateInitial     State = "initial"
	StateCreating    State = "creating"
	StateImporting   State = "importing"
	StateStacking    State = "stacking"
	StateCompressing State = "compressing"
	StateExporting   State = "exporting"
	StateProcessing  State = "processing"
	StateCleaning    State = "cleaning"
	StateFinished    State = "finished"
)

// States lists every declared state in pipeline order.
var States = []State{
	StateInitial,
	StateCreating,
	StateImporting,
	StateStacking,
	StateCompressing,
	StateExporting,
	StateProcessing,
	StateCleaning,
	StateFinished,
}

// Valid reports whether s is a declared state.
func (s State) Valid() bool {
	for _, declared := range States {
		if s == declared {
			return true
		}
	}
	return false
}

// Label returns the display form of the state ("Compressing").
func (s State) Label() string {
	// Casers carry state and must not be shared across goroutines.
	return cases.Title(language.English).String(string(s))
}

// Transition names a declared edge of the pipeline graph.
type Transition string

const (
	TransitionInitialize        Transition = "initialize"
	TransitionImportFile        Transition = "import_file"
	TransitionStack             Transition = "stack"
	TransitionCompress          Transition = "compress"
	TransitionExport            Transition = "export"
	TransitionHoldForProcessing Transition = "hold_for_processing"
	TransitionClean             Transition = "clean"
	TransitionFinalize          Transition = "finalize"
)

// Route declares one transition: the states it may be applied from and its destination.
type Route struct {
	Name    Transition
	Sources []State
	Dest    State
}

// DefaultRoutes is the pipeline graph. Frames waiting in stacking are cleaned
// directly once their group assembles, and compressing loops on itself when a
// compression attempt is retried.
var DefaultRoutes = []Route{
	{Name: TransitionInitialize, Sources: []State{StateInitial}, Dest: StateCreating},
	{Name: TransitionImportFile, Sources: []State{StateCreating}, Dest: StateImporting},
	{Name: TransitionStack, Sources: []State{StateImporting, StateStacking}, Dest: StateStacking},
	{Name: TransitionCompress, Sources: []State{StateImporting, StateStacking, StateCompressing}, Dest: StateCompressing},
	{Name: TransitionExport, Sources: []State{StateCompressing}, Dest: StateExporting},
	{Name: TransitionHoldForProcessing, Sources: []State{StateExporting}, Dest: StateProcessing},
	{Name: TransitionClean, Sources: []State{StateProcessing, StateExporting, StateStacking}, Dest: StateCleaning},
	{Name: TransitionFinalize, Sources: []State{StateCleaning}, Dest: StateFinished},
}

// Table maps (source state, transition) to a destination state. It is
// immutable once built.
type Table struct {
	routes map[State]map[Transition]State
}

// NewTable builds a Table from routes, rejecting undeclared states and
// conflicting declarations.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{routes: make(map[State]map[Transition]State)}
	for _, route := range routes {
		if route.Name == "" {
			return nil, errors.New("transition name required")
		}
		if !route.Dest.Valid() {
			return nil, fmt.Errorf("transition %s: unknown destination %q", route.Name, route.Dest)
		}
		if len(route.Sources) == 0 {
			return nil, fmt.Errorf("transition %s: no source states", route.Name)
		}
		for _, src := range route.Sources {
			if !src.Valid() {
				return nil, fmt.Errorf("transition %s: unknown source %q", route.Name, src)
			}
			edges := t.routes[src]
			if edges == nil {
				edges = make(map[Transition]State)
				t.routes[src] = edges
			}
			if existing, ok := edges[route.Name]; ok && existing != route.Dest {
				return nil, fmt.Errorf("transition %s from %s declared twice", route.Name, src)
			}
			edges[route.Name] = route.Dest
		}
	}
	return t, nil
}

// DefaultTable returns the pipeline's declared transition table.
func DefaultTable() *Table {
	t, err := NewTable(DefaultRoutes)
	if err != nil {
		panic(err)
	}
	return t
}

// Destination returns the state reached by applying name from state.
func (t *Table) Destination(from State, name Transition) (State, error) {
	if dest, ok := t.routes[from][name]; ok {
		return dest, nil
	}
	return "", fmt.Errorf("%w: %s from %s", ErrUndeclaredTransition, name, from)
}

// Allowed lists the transitions declared for state, sorted by name.
func (t *Table) Allowed(from State) []Transition {
	edges := t.routes[from]
	out := make([]Transition, 0, len(edges))
	for name := range edges {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

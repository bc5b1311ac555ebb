package pipeline_test

import (
	"errors"
	"testing"

	"shepherd/internal/pipeline"
)

func TestDefaultTableDestinations(t *testing.T) {
	table := pipeline.DefaultTable()
	tests := []struct {
		from pipeline.State
		name pipeline.Transition
		want pipeline.State
	}{
		{pipeline.StateInitial, pipeline.TransitionInitialize, pipeline.StateCreating},
		{pipeline.StateCreating, pipeline.TransitionImportFile, pipeline.StateImporting},
		{pipeline.StateImporting, pipeline.TransitionStack, pipeline.StateStacking},
		{pipeline.StateStacking, pipeline.TransitionStack, pipeline.StateStacking},
		{pipeline.StateImporting, pipeline.TransitionCompress, pipeline.StateCompressing},
		{pipeline.StateStacking, pipeline.TransitionCompress, pipeline.StateCompressing},
		{pipeline.StateCompressing, pipeline.TransitionCompress, pipeline.StateCompressing},
		{pipeline.StateCompressing, pipeline.TransitionExport, pipeline.StateExporting},
		{pipeline.StateExporting, pipeline.TransitionHoldForProcessing, pipeline.StateProcessing},
		{pipeline.StateProcessing, pipeline.TransitionClean, pipeline.StateCleaning},
		{pipeline.StateExporting, pipeline.TransitionClean, pipeline.StateCleaning},
		{pipeline.StateStacking, pipeline.TransitionClean, pipeline.StateCleaning},
		{pipeline.StateCleaning, pipeline.TransitionFinalize, pipeline.StateFinished},
	}
	for _, tc := range tests {
		got, err := table.Destination(tc.from, tc.name)
		if err != nil {
			t.Fatalf("%s from %s: unexpected error %v", tc.name, tc.from, err)
		}
		if got != tc.want {
			t.Fatalf("%s from %s: got %s want %s", tc.name, tc.from, got, tc.want)
		}
	}
}

func TestDefaultTableRejectsUndeclared(t *testing.T) {
	table := pipeline.DefaultTable()
	undeclared := []struct {
		from pipeline.State
		name pipeline.Transition
	}{
		{pipeline.StateCreating, pipeline.TransitionInitialize},
		{pipeline.StateCompressing, pipeline.TransitionInitialize},
		{pipeline.StateInitial, pipeline.TransitionImportFile},
		{pipeline.StateCreating, pipeline.TransitionCompress},
		{pipeline.StateProcessing, pipeline.TransitionFinalize},
		{pipeline.StateFinished, pipeline.TransitionClean},
		{pipeline.StateImporting, pipeline.Transition("teleport")},
	}
	for _, tc := range undeclared {
		if _, err := table.Destination(tc.from, tc.name); !errors.Is(err, pipeline.ErrUndeclaredTransition) {
			t.Fatalf("%s from %s: expected ErrUndeclaredTransition, got %v", tc.name, tc.from, err)
		}
	}
}

func TestFinishedIsTerminal(t *testing.T) {
	if allowed := pipeline.DefaultTable().Allowed(pipeline.StateFinished); len(allowed) != 0 {
		t.Fatalf("expected no transitions out of finished, got %v", allowed)
	}
	allowed := pipeline.DefaultTable().Allowed(pipeline.StateStacking)
	want := []pipeline.Transition{pipeline.TransitionClean, pipeline.TransitionCompress, pipeline.TransitionStack}
	if len(allowed) != len(want) {
		t.Fatalf("unexpected transitions from stacking: %v", allowed)
	}
	for i := range want {
		if allowed[i] != want[i] {
			t.Fatalf("unexpected transitions from stacking: %v", allowed)
		}
	}
}

func TestNewTableValidatesRoutes(t *testing.T) {
	tests := []struct {
		name   string
		routes []pipeline.Route
	}{
		{"unknown destination", []pipeline.Route{{Name: "x", Sources: []pipeline.State{pipeline.StateInitial}, Dest: "limbo"}}},
		{"unknown source", []pipeline.Route{{Name: "x", Sources: []pipeline.State{"limbo"}, Dest: pipeline.StateCreating}}},
		{"no sources", []pipeline.Route{{Name: "x", Dest: pipeline.StateCreating}}},
		{"empty name", []pipeline.Route{{Sources: []pipeline.State{pipeline.StateInitial}, Dest: pipeline.StateCreating}}},
		{"conflict", []pipeline.Route{
			{Name: "x", Sources: []pipeline.State{pipeline.StateInitial}, Dest: pipeline.StateCreating},
			{Name: "x", Sources: []pipeline.State{pipeline.StateInitial}, Dest: pipeline.StateImporting},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := pipeline.NewTable(tc.routes); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStateLabel(t *testing.T) {
	if got := pipeline.StateCompressing.Label(); got != "Compressing" {
		t.Fatalf("unexpected label: %q", got)
	}
	if pipeline.State("limbo").Valid() {
		t.Fatal("undeclared state reported valid")
	}
}

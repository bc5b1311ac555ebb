// Package pipeline implements the per-file state machine that carries
// instrument output from arrival to cold storage.
//
// The transition table (table.go) declares the finite states and the allowed
// (state, transition) pairs. Machine owns the table, the active Items keyed by
// original path, and an explicit registry of state-entry handlers. Pipeline
// (handlers.go) supplies those handlers: each one decides the next transition,
// possibly after a timed wait or a spawned external operation run through the
// scheduler. Driver feeds newly watched paths into the machine.
//
// Multi-frame acquisitions are assembled through Group placeholders: every
// imported frame attaches to the Group derived from its file name, and the
// Group stacks, compresses, and exports once it holds the configured number
// of frames.
package pipeline

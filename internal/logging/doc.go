// Package logging assembles structured slog loggers and formatting helpers used
// across shepherd.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so state handlers can tag log
// lines with item keys, states, and correlation IDs. The package also provides
// a no-op logger for tests and wiring code that cannot fail.
package logging

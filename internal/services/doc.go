// Package services defines shared utilities consumed by the pipeline state
// handlers and the external tool wrappers.
//
// Key responsibilities:
//   - Context helpers that stamp item keys, state names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     as retryable or terminal.
//   - Thin command execution abstractions (see the lbzip2 and newstack
//     subpackages) that keep external tools stubbable in tests.
package services

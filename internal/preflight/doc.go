// Package preflight provides readiness checks for the filesystem paths and
// external tools shepherd depends on.
//
// These checks run in two contexts:
//   - The daemon logs RunAll results at start-up so a missing mount or tool
//     is visible before the first file arrives.
//   - The CLI "shepherd check" command renders the same results as a table
//     and exits non-zero when a required check fails.
//
// Checks for disabled features are skipped.
package preflight

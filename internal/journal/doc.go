// Package journal mirrors pipeline activity into SQLite so that other
// processes (shepherd status, operators with sqlite3) can inspect a running
// daemon.
//
// The journal is an observability surface only. The daemon recreates the
// database on every start and never reads it back to recover state. Writes
// happen on a dedicated goroutine (Writer) so the scheduler loop never waits
// on disk.
//
// Schema changes bump schemaVersion in schema.go. Because the file is
// recreated at start-up, readers from an older binary see ErrSchemaMismatch
// rather than misreading columns.
package journal

package testsupport

import (
	"testing"

	"shepherd/internal/config"
	"shepherd/internal/journal"
)

// MustCreateJournal creates a fresh journal at the config's journal path and
// registers cleanup.
func MustCreateJournal(t testing.TB, cfg *config.Config) *journal.Store {
	t.Helper()

	store, err := journal.Create(cfg.JournalPath())
	if err != nil {
		t.Fatalf("journal.Create: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

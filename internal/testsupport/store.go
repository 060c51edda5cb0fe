package testsupport

import (
	"testing"

	"soundbite/internal/config"
	"soundbite/internal/store"
)

// MustOpenStore opens the pipeline store for a test configuration and closes
// it when the test finishes.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

package testsupport

import (
	"testing"

	"soundbite/internal/queue"
	"soundbite/internal/store"
)

// MustOpenQueue wires a task queue onto an open store's database.
func MustOpenQueue(t testing.TB, st *store.Store) *queue.Queue {
	t.Helper()
	q, err := queue.New(st.DB())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

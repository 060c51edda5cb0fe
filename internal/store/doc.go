// Package store persists pipeline state in SQLite: work items per board
// card, stage records with a compare-and-swap lifecycle, and TTL'd entries
// for scripts, audio, and idempotency markers.
//
// A partial unique index keeps at most one stage running per card, so
// concurrent triggers race on the database rather than on process locks.
// All transitions go through guarded UPDATE statements whose affected row
// count reports whether the caller won.
package store

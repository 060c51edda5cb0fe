// Package queue implements an at-least-once task queue on the pipeline's
// SQLite database. Tasks are leased with a visibility timeout, retried with
// backoff until max_attempts, and deduplicated through an optional
// idempotency key.
package queue

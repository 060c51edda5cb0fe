package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"soundbite/internal/queue"
	"soundbite/internal/testsupport"
)

func openQueue(t *testing.T) *queue.Queue {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	return testsupport.MustOpenQueue(t, st)
}

func TestEnqueueAndLease(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	id, created, err := q.Enqueue(ctx, queue.Task{
		Type:    "script",
		Payload: []byte(`{"card_id":"card-1"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Fatal("expected task to be created")
	}
	if id == "" {
		t.Fatal("expected task ID to be assigned")
	}

	task, err := q.Lease(ctx, time.Now())
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if task.ID != id {
		t.Fatalf("leased wrong task: got %s want %s", task.ID, id)
	}
	if task.State != queue.StateRunning {
		t.Fatalf("expected running state, got %s", task.State)
	}
	if task.Attempts != 1 {
		t.Fatalf("expected attempt 1, got %d", task.Attempts)
	}
	if task.LeasedUntil == nil {
		t.Fatal("expected lease deadline")
	}

	// Nothing else ready.
	if _, err := q.Lease(ctx, time.Now()); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}

	if err := q.Succeed(ctx, task.ID); err != nil {
		t.Fatalf("Succeed failed: %v", err)
	}
	fetched, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.State != queue.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", fetched.State)
	}
}

func TestEnqueueIdemKeyDedupes(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	first, created, err := q.Enqueue(ctx, queue.Task{
		Type:    "script",
		Payload: []byte(`{}`),
		IdemKey: "card-1:script:fp-1",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Fatal("expected first enqueue to create")
	}

	second, created, err := q.Enqueue(ctx, queue.Task{
		Type:    "script",
		Payload: []byte(`{}`),
		IdemKey: "card-1:script:fp-1",
	})
	if err != nil {
		t.Fatalf("duplicate Enqueue failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate enqueue to dedupe")
	}
	if second != first {
		t.Fatalf("expected existing task ID %s, got %s", first, second)
	}

	// A different fingerprint is new work.
	_, created, err = q.Enqueue(ctx, queue.Task{
		Type:    "script",
		Payload: []byte(`{}`),
		IdemKey: "card-1:script:fp-2",
	})
	if err != nil {
		t.Fatalf("Enqueue with new key failed: %v", err)
	}
	if !created {
		t.Fatal("expected new idem key to create")
	}
}

func TestLeaseHonorsNextRunAt(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, queue.Task{
		Type:      "revision",
		Payload:   []byte(`{}`),
		NextRunAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := q.Lease(ctx, time.Now()); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("expected ErrEmpty before next_run_at, got %v", err)
	}
	task, err := q.Lease(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Lease after next_run_at failed: %v", err)
	}
	if task.Type != "revision" {
		t.Fatalf("unexpected task type: %s", task.Type)
	}
}

func TestRetryRequeuesUntilMaxAttempts(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, queue.Task{
		Type:        "voice",
		Payload:     []byte(`{}`),
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	task, err := q.Lease(ctx, time.Now())
	if err != nil {
		t.Fatalf("first Lease failed: %v", err)
	}
	if err := q.Retry(ctx, task.ID, "synthesis busy", 0); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	task, err = q.Lease(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("second Lease failed: %v", err)
	}
	if task.Attempts != 2 {
		t.Fatalf("expected attempt 2, got %d", task.Attempts)
	}
	if task.LastError != "synthesis busy" {
		t.Fatalf("unexpected last error: %q", task.LastError)
	}

	// Attempts exhausted: the next retry fails the task.
	if err := q.Retry(ctx, task.ID, "still busy", 0); err != nil {
		t.Fatalf("final Retry failed: %v", err)
	}
	fetched, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.State != queue.StateFailed {
		t.Fatalf("expected failed after max attempts, got %s", fetched.State)
	}
}

func TestFailIsTerminal(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, queue.Task{Type: "script", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	task, err := q.Lease(ctx, time.Now())
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if err := q.Fail(ctx, task.ID, "refused by model"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if _, err := q.Lease(ctx, time.Now().Add(time.Hour)); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("expected no redelivery after Fail, got %v", err)
	}
}

func TestRecoverStaleRequeuesExpiredLeases(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, queue.Task{
		Type:         "script",
		Payload:      []byte(`{}`),
		LeaseSeconds: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	task, err := q.Lease(ctx, time.Now())
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}

	// Before the lease expires nothing is recovered.
	recovered, err := q.RecoverStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("expected no recovery before expiry, got %d", recovered)
	}

	recovered, err = q.RecoverStale(ctx, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("RecoverStale after expiry failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 task recovered, got %d", recovered)
	}

	requeued, err := q.Lease(ctx, time.Now().Add(3*time.Second))
	if err != nil {
		t.Fatalf("Lease after recovery failed: %v", err)
	}
	if requeued.ID != task.ID {
		t.Fatalf("expected same task redelivered, got %s", requeued.ID)
	}
	if requeued.Attempts != 2 {
		t.Fatalf("expected attempt 2 after redelivery, got %d", requeued.Attempts)
	}
}

func TestCountByStateAndPrune(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, queue.Task{Type: "script", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, _, err := q.Enqueue(ctx, queue.Task{Type: "voice", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	task, err := q.Lease(ctx, time.Now())
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if err := q.Succeed(ctx, task.ID); err != nil {
		t.Fatalf("Succeed failed: %v", err)
	}

	counts, err := q.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState failed: %v", err)
	}
	if counts.Queued != 1 || counts.Succeeded != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	pruned, err := q.PruneFinished(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneFinished failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 task pruned, got %d", pruned)
	}

	tasks, err := q.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task remaining, got %d", len(tasks))
	}
}

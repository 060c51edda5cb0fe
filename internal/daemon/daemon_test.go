package daemon_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"soundbite/internal/config"
	"soundbite/internal/daemon"
	"soundbite/internal/logging"
	"soundbite/internal/notifications"
	"soundbite/internal/pipeline"
	"soundbite/internal/queue"
	"soundbite/internal/store"
	"soundbite/internal/testsupport"
)

type fakeBoard struct{}

func (fakeBoard) AddLabel(context.Context, string, string) error    { return nil }
func (fakeBoard) RemoveLabel(context.Context, string, string) error { return nil }
func (fakeBoard) AddComment(context.Context, string, string) error  { return nil }

type fakeHandler struct {
	mu    sync.Mutex
	calls int
}

func (h *fakeHandler) Execute(context.Context, pipeline.TaskPayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type harness struct {
	cfg     *config.Config
	store   *store.Store
	queue   *queue.Queue
	daemon  *daemon.Daemon
	handler *fakeHandler
}

func newHarness(t *testing.T, httpHandler http.Handler) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	q := testsupport.MustOpenQueue(t, st)

	handler := &fakeHandler{}
	handlers := pipeline.Handlers{
		Script:   handler,
		Revision: handler,
		Voice:    handler,
		Delivery: handler,
	}
	errs := pipeline.NewErrorHandler(st, fakeBoard{}, notifications.NewService(cfg), cfg, logging.NewNop())
	exec := pipeline.NewExecutor(st, q, handlers, errs, cfg, logging.NewNop())

	d, err := daemon.New(cfg, st, q, exec, httpHandler, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	return &harness{cfg: cfg, store: st, queue: q, daemon: d, handler: handler}
}

func seedScriptTask(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.EnsureWorkItem(ctx, "card-1", "Solar Farm Record", "Daily News (Cast)", ""); err != nil {
		t.Fatalf("EnsureWorkItem: %v", err)
	}
	if began, err := h.store.BeginStage(ctx, "card-1", store.StageScript, "fp-1"); err != nil || !began {
		t.Fatalf("BeginStage: began=%v err=%v", began, err)
	}
	payload, err := pipeline.EncodePayload(pipeline.TaskPayload{
		CardID:      "card-1",
		CardName:    "Solar Farm Record",
		ShowLabel:   "Daily News (Cast)",
		Fingerprint: "fp-1",
	})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	id, created, err := h.queue.Enqueue(ctx, queue.Task{
		Type:         pipeline.TaskScript,
		Payload:      payload,
		IdemKey:      "test:card-1:script:fp-1",
		LeaseSeconds: 60,
		MaxAttempts:  3,
		NextRunAt:    time.Now().Add(-time.Hour),
	})
	if err != nil || !created {
		t.Fatalf("Enqueue: created=%v err=%v", created, err)
	}
	return id
}

func waitFor(t *testing.T, timeout time.Duration, check func() (bool, error)) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		done, err := check()
		if err != nil {
			t.Fatalf("wait check: %v", err)
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonStartStop(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.daemon.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail while running")
	}
	h.daemon.Stop()

	// A stopped daemon releases its lock and can start again.
	if err := h.daemon.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.daemon.Stop()
}

func TestDaemonSingleInstance(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.daemon.Stop()

	handlers := pipeline.Handlers{Script: h.handler, Revision: h.handler, Voice: h.handler, Delivery: h.handler}
	errs := pipeline.NewErrorHandler(h.store, fakeBoard{}, notifications.NewService(h.cfg), h.cfg, logging.NewNop())
	exec := pipeline.NewExecutor(h.store, h.queue, handlers, errs, h.cfg, logging.NewNop())
	second, err := daemon.New(h.cfg, h.store, h.queue, exec, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second instance should fail to acquire the lock")
	}
}

func TestDaemonProcessesQueuedTask(t *testing.T) {
	h := newHarness(t, nil)
	taskID := seedScriptTask(t, h)

	if err := h.daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.daemon.Stop()

	waitFor(t, 5*time.Second, func() (bool, error) {
		task, err := h.queue.Get(context.Background(), taskID)
		if err != nil {
			return false, err
		}
		return task.State == queue.StateSucceeded, nil
	})

	if h.handler.callCount() != 1 {
		t.Fatalf("handler calls = %d, want 1", h.handler.callCount())
	}
	record, err := h.store.StageRecord(context.Background(), "card-1", store.StageScript)
	if err != nil {
		t.Fatalf("StageRecord: %v", err)
	}
	if record.Status != store.StatusAwaitingReview {
		t.Fatalf("script status = %s, want awaiting_review", record.Status)
	}
}

func TestDaemonServesIngress(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	if err := h.daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.daemon.Stop()

	addr := h.daemon.Addr()
	if addr == "" {
		t.Fatal("daemon did not bind an ingress listener")
	}
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestRunMaintenanceRecoversStaleLeases(t *testing.T) {
	h := newHarness(t, nil)
	seedScriptTask(t, h)
	ctx := context.Background()

	// Lease far enough in the past that the lease has already expired.
	task, err := h.queue.Lease(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if task == nil {
		t.Fatal("expected a leasable task")
	}

	h.daemon.RunMaintenance(ctx)

	counts, err := h.queue.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts.Queued != 1 || counts.Running != 0 {
		t.Fatalf("counts = %+v, want the stale task requeued", counts)
	}
}

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"soundbite/internal/store"
	"soundbite/internal/testsupport"
)

func TestEnsureWorkItemSeedsStageRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	item, err := st.EnsureWorkItem(ctx, "card-1", "Episode 12", "history (cast)", "list-1")
	if err != nil {
		t.Fatalf("EnsureWorkItem failed: %v", err)
	}
	if item.ID == 0 {
		t.Fatal("expected work item ID to be assigned")
	}
	if item.CardName != "Episode 12" {
		t.Fatalf("unexpected card name: %q", item.CardName)
	}

	records, err := st.StageRecords(ctx, "card-1")
	if err != nil {
		t.Fatalf("StageRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 stage records, got %d", len(records))
	}
	wantOrder := []store.Stage{store.StageScript, store.StageVoice, store.StageDelivery}
	for i, record := range records {
		if record.Stage != wantOrder[i] {
			t.Fatalf("unexpected stage order: got %s at %d", record.Stage, i)
		}
		if record.Status != store.StatusPending {
			t.Fatalf("expected pending stage, got %s", record.Status)
		}
	}

	// Re-ensuring refreshes the name without duplicating records.
	if _, err := st.EnsureWorkItem(ctx, "card-1", "Episode 12 (final)", "", ""); err != nil {
		t.Fatalf("second EnsureWorkItem failed: %v", err)
	}
	refreshed, err := st.GetWorkItem(ctx, "card-1")
	if err != nil {
		t.Fatalf("GetWorkItem failed: %v", err)
	}
	if refreshed.CardName != "Episode 12 (final)" {
		t.Fatalf("expected refreshed name, got %q", refreshed.CardName)
	}
	if refreshed.ShowLabel != "history (cast)" {
		t.Fatalf("expected show label preserved, got %q", refreshed.ShowLabel)
	}
	records, err = st.StageRecords(ctx, "card-1")
	if err != nil {
		t.Fatalf("StageRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 stage records after reensure, got %d", len(records))
	}
}

func TestEnsureWorkItemConcurrentUpserts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	// Racing upserts from separate pool connections must serialize, not
	// surface SQLITE_BUSY.
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.EnsureWorkItem(context.Background(), "card-1", "Episode 12", "history (cast)", "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("EnsureWorkItem %d failed: %v", i, err)
		}
	}
	records, err := st.StageRecords(context.Background(), "card-1")
	if err != nil {
		t.Fatalf("StageRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 stage records, got %d", len(records))
	}
}

func TestGetWorkItemNotFound(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	if _, err := st.GetWorkItem(context.Background(), "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBeginStageLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, err := st.EnsureWorkItem(ctx, "card-1", "Card", "", ""); err != nil {
		t.Fatalf("EnsureWorkItem failed: %v", err)
	}

	began, err := st.BeginStage(ctx, "card-1", store.StageScript, "fp-1")
	if err != nil {
		t.Fatalf("BeginStage failed: %v", err)
	}
	if !began {
		t.Fatal("expected BeginStage to win on pending record")
	}

	// Second begin on an already running stage is refused.
	began, err = st.BeginStage(ctx, "card-1", store.StageScript, "fp-2")
	if err != nil {
		t.Fatalf("BeginStage failed: %v", err)
	}
	if began {
		t.Fatal("expected BeginStage to lose on running record")
	}

	// Another stage for the same card cannot start while one runs.
	began, err = st.BeginStage(ctx, "card-1", store.StageVoice, "fp-3")
	if err != nil {
		t.Fatalf("BeginStage voice failed: %v", err)
	}
	if began {
		t.Fatal("expected voice stage blocked while script runs")
	}

	held, err := st.MarkAwaitingReview(ctx, "card-1")
	if err != nil {
		t.Fatalf("MarkAwaitingReview failed: %v", err)
	}
	if !held {
		t.Fatal("expected running script to enter review hold")
	}

	record, err := st.StageRecord(ctx, "card-1", store.StageScript)
	if err != nil {
		t.Fatalf("StageRecord failed: %v", err)
	}
	if record.Status != store.StatusAwaitingReview {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Fingerprint != "fp-1" {
		t.Fatalf("unexpected fingerprint: %q", record.Fingerprint)
	}
	if record.StartedAt == nil {
		t.Fatal("expected started_at to be stamped")
	}

	// Review hold releases the running slot, so voice may begin once approved.
	approved, err := st.ApproveScript(ctx, "card-1")
	if err != nil {
		t.Fatalf("ApproveScript failed: %v", err)
	}
	if !approved {
		t.Fatal("expected approval of review-held script")
	}
	approved, err = st.ApproveScript(ctx, "card-1")
	if err != nil {
		t.Fatalf("second ApproveScript failed: %v", err)
	}
	if approved {
		t.Fatal("expected duplicate approval to be a no-op")
	}

	began, err = st.BeginStage(ctx, "card-1", store.StageVoice, "fp-voice")
	if err != nil {
		t.Fatalf("BeginStage voice failed: %v", err)
	}
	if !began {
		t.Fatal("expected voice stage to start after approval")
	}
	finished, err := st.FinishStage(ctx, "card-1", store.StageVoice)
	if err != nil {
		t.Fatalf("FinishStage failed: %v", err)
	}
	if !finished {
		t.Fatal("expected running voice stage to finish")
	}
}

func TestFailStageAllowsRetry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, err := st.EnsureWorkItem(ctx, "card-1", "Card", "", ""); err != nil {
		t.Fatalf("EnsureWorkItem failed: %v", err)
	}
	if _, err := st.BeginStage(ctx, "card-1", store.StageScript, "fp-1"); err != nil {
		t.Fatalf("BeginStage failed: %v", err)
	}
	failed, err := st.FailStage(ctx, "card-1", store.StageScript, "generation timed out")
	if err != nil {
		t.Fatalf("FailStage failed: %v", err)
	}
	if !failed {
		t.Fatal("expected running stage to fail")
	}

	record, err := st.StageRecord(ctx, "card-1", store.StageScript)
	if err != nil {
		t.Fatalf("StageRecord failed: %v", err)
	}
	if record.Status != store.StatusFailed {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.ErrorMessage != "generation timed out" {
		t.Fatalf("unexpected error message: %q", record.ErrorMessage)
	}

	// A fresh trigger restarts a failed stage.
	began, err := st.BeginStage(ctx, "card-1", store.StageScript, "fp-2")
	if err != nil {
		t.Fatalf("BeginStage after failure: %v", err)
	}
	if !began {
		t.Fatal("expected failed stage to restart")
	}
	record, err = st.StageRecord(ctx, "card-1", store.StageScript)
	if err != nil {
		t.Fatalf("StageRecord failed: %v", err)
	}
	if record.ErrorMessage != "" {
		t.Fatalf("expected error cleared on restart, got %q", record.ErrorMessage)
	}
	if record.Fingerprint != "fp-2" {
		t.Fatalf("expected new fingerprint, got %q", record.Fingerprint)
	}
}

func TestBeginStageConcurrentSingleWinner(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, err := st.EnsureWorkItem(ctx, "card-1", "Card", "", ""); err != nil {
		t.Fatalf("EnsureWorkItem failed: %v", err)
	}

	const attempts = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began, err := st.BeginStage(ctx, "card-1", store.StageScript, "fp-race")
			if err != nil {
				t.Errorf("BeginStage failed: %v", err)
				return
			}
			if began {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestRevisionSlot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, err := st.EnsureWorkItem(ctx, "card-1", "Card", "", ""); err != nil {
		t.Fatalf("EnsureWorkItem failed: %v", err)
	}
	if _, err := st.BeginStage(ctx, "card-1", store.StageScript, "fp-1"); err != nil {
		t.Fatalf("BeginStage failed: %v", err)
	}

	// Revision requires the review hold.
	got, err := st.AcquireRevision(ctx, "card-1")
	if err != nil {
		t.Fatalf("AcquireRevision failed: %v", err)
	}
	if got {
		t.Fatal("expected revision refused while stage runs")
	}

	if _, err := st.MarkAwaitingReview(ctx, "card-1"); err != nil {
		t.Fatalf("MarkAwaitingReview failed: %v", err)
	}
	got, err = st.AcquireRevision(ctx, "card-1")
	if err != nil {
		t.Fatalf("AcquireRevision failed: %v", err)
	}
	if !got {
		t.Fatal("expected revision slot acquired")
	}
	got, err = st.AcquireRevision(ctx, "card-1")
	if err != nil {
		t.Fatalf("second AcquireRevision failed: %v", err)
	}
	if got {
		t.Fatal("expected second revision refused while first active")
	}

	if err := st.IncrementRevision(ctx, "card-1"); err != nil {
		t.Fatalf("IncrementRevision failed: %v", err)
	}
	if err := st.ReleaseRevision(ctx, "card-1"); err != nil {
		t.Fatalf("ReleaseRevision failed: %v", err)
	}

	got, err = st.AcquireRevision(ctx, "card-1")
	if err != nil {
		t.Fatalf("AcquireRevision after release failed: %v", err)
	}
	if !got {
		t.Fatal("expected revision slot reacquired after release")
	}

	record, err := st.StageRecord(ctx, "card-1", store.StageScript)
	if err != nil {
		t.Fatalf("StageRecord failed: %v", err)
	}
	if record.RevisionCount != 1 {
		t.Fatalf("expected revision count 1, got %d", record.RevisionCount)
	}
}

func TestResetStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, err := st.EnsureWorkItem(ctx, "card-1", "Card", "", ""); err != nil {
		t.Fatalf("EnsureWorkItem failed: %v", err)
	}
	if _, err := st.BeginStage(ctx, "card-1", store.StageScript, "fp-1"); err != nil {
		t.Fatalf("BeginStage failed: %v", err)
	}
	if _, err := st.FailStage(ctx, "card-1", store.StageScript, "boom"); err != nil {
		t.Fatalf("FailStage failed: %v", err)
	}

	reset, err := st.ResetStages(ctx, "card-1")
	if err != nil {
		t.Fatalf("ResetStages failed: %v", err)
	}
	if reset != 3 {
		t.Fatalf("expected 3 records reset, got %d", reset)
	}

	records, err := st.StageRecords(ctx, "card-1")
	if err != nil {
		t.Fatalf("StageRecords failed: %v", err)
	}
	for _, record := range records {
		if record.Status != store.StatusPending {
			t.Fatalf("expected pending after reset, got %s for %s", record.Status, record.Stage)
		}
		if record.Fingerprint != "" || record.ErrorMessage != "" || record.RevisionCount != 0 {
			t.Fatalf("expected cleared record, got %#v", record)
		}
	}
}

func TestEntriesTTLAndSetNX(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if err := st.SetEntry(ctx, store.ScriptKey("card-1"), "hello world", store.ScriptTTL); err != nil {
		t.Fatalf("SetEntry failed: %v", err)
	}
	value, ok, err := st.GetEntry(ctx, store.ScriptKey("card-1"))
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if !ok || value != "hello world" {
		t.Fatalf("unexpected entry: %q ok=%v", value, ok)
	}

	// Expired entries read as absent and are reclaimable by SetEntryNX.
	if err := st.SetEntry(ctx, "soundbite:voice:card-2", "1", -time.Second); err != nil {
		t.Fatalf("SetEntry expired failed: %v", err)
	}
	_, ok, err = st.GetEntry(ctx, "soundbite:voice:card-2")
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if ok {
		t.Fatal("expected expired entry to read as absent")
	}
	claimed, err := st.SetEntryNX(ctx, "soundbite:voice:card-2", "1", store.VoiceMarkerTTL)
	if err != nil {
		t.Fatalf("SetEntryNX failed: %v", err)
	}
	if !claimed {
		t.Fatal("expected SetEntryNX to reclaim expired key")
	}
	claimed, err = st.SetEntryNX(ctx, "soundbite:voice:card-2", "1", store.VoiceMarkerTTL)
	if err != nil {
		t.Fatalf("second SetEntryNX failed: %v", err)
	}
	if claimed {
		t.Fatal("expected second SetEntryNX to lose")
	}

	// Delete frees the key again.
	if err := st.DeleteEntry(ctx, "soundbite:voice:card-2"); err != nil {
		t.Fatalf("DeleteEntry failed: %v", err)
	}
	claimed, err = st.SetEntryNX(ctx, "soundbite:voice:card-2", "1", store.VoiceMarkerTTL)
	if err != nil {
		t.Fatalf("SetEntryNX after delete failed: %v", err)
	}
	if !claimed {
		t.Fatal("expected SetEntryNX to win after delete")
	}
}

func TestSweepExpiredEntries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if err := st.SetEntry(ctx, "soundbite:script:old", "x", -time.Second); err != nil {
		t.Fatalf("SetEntry failed: %v", err)
	}
	if err := st.SetEntry(ctx, "soundbite:script:new", "y", store.ScriptTTL); err != nil {
		t.Fatalf("SetEntry failed: %v", err)
	}
	if err := st.SetEntry(ctx, "soundbite:script:forever", "z", 0); err != nil {
		t.Fatalf("SetEntry failed: %v", err)
	}

	swept, err := st.SweepExpiredEntries(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredEntries failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 entry swept, got %d", swept)
	}
	if _, ok, _ := st.GetEntry(ctx, "soundbite:script:new"); !ok {
		t.Fatal("expected unexpired entry to survive sweep")
	}
	if _, ok, _ := st.GetEntry(ctx, "soundbite:script:forever"); !ok {
		t.Fatal("expected non-expiring entry to survive sweep")
	}
}

func TestDeleteEntriesLike(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for _, key := range []string{
		store.ScriptKey("card-1"),
		store.AudioKey("card-1"),
		store.StatsKey("card-1"),
		store.ScriptKey("card-2"),
	} {
		if err := st.SetEntry(ctx, key, "v", 0); err != nil {
			t.Fatalf("SetEntry failed: %v", err)
		}
	}
	deleted, err := st.DeleteEntriesLike(ctx, store.CardEntriesPattern("card-1"))
	if err != nil {
		t.Fatalf("DeleteEntriesLike failed: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 entries deleted, got %d", deleted)
	}
	if _, ok, _ := st.GetEntry(ctx, store.ScriptKey("card-2")); !ok {
		t.Fatal("expected other card entries to survive")
	}
}

func TestHealthSummaryCounts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, err := st.EnsureWorkItem(ctx, "card-1", "A", "", ""); err != nil {
		t.Fatalf("EnsureWorkItem failed: %v", err)
	}
	if _, err := st.EnsureWorkItem(ctx, "card-2", "B", "", ""); err != nil {
		t.Fatalf("EnsureWorkItem failed: %v", err)
	}
	if _, err := st.BeginStage(ctx, "card-1", store.StageScript, "fp"); err != nil {
		t.Fatalf("BeginStage failed: %v", err)
	}
	if _, err := st.BeginStage(ctx, "card-2", store.StageScript, "fp"); err != nil {
		t.Fatalf("BeginStage failed: %v", err)
	}
	if _, err := st.MarkAwaitingReview(ctx, "card-2"); err != nil {
		t.Fatalf("MarkAwaitingReview failed: %v", err)
	}

	summary, err := st.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if summary.Cards != 2 {
		t.Fatalf("expected 2 cards, got %d", summary.Cards)
	}
	if summary.Running != 1 {
		t.Fatalf("expected 1 running, got %d", summary.Running)
	}
	if summary.AwaitingReview != 1 {
		t.Fatalf("expected 1 awaiting review, got %d", summary.AwaitingReview)
	}
	if summary.Pending != 4 {
		t.Fatalf("expected 4 pending, got %d", summary.Pending)
	}
}

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		stage store.Stage
		from  store.Status
		to    store.Status
		want  bool
	}{
		{store.StageScript, store.StatusPending, store.StatusRunning, true},
		{store.StageScript, store.StatusRunning, store.StatusAwaitingReview, true},
		{store.StageVoice, store.StatusRunning, store.StatusAwaitingReview, false},
		{store.StageVoice, store.StatusRunning, store.StatusSucceeded, true},
		{store.StageScript, store.StatusAwaitingReview, store.StatusSucceeded, true},
		{store.StageScript, store.StatusFailed, store.StatusRunning, true},
		{store.StageScript, store.StatusRunning, store.StatusPending, true},
		{store.StageScript, store.StatusSucceeded, store.StatusRunning, false},
		{store.StageDelivery, store.StatusPending, store.StatusSucceeded, false},
	}
	for _, tc := range cases {
		if got := store.ValidTransition(tc.stage, tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s, %s) = %v, want %v", tc.stage, tc.from, tc.to, got, tc.want)
		}
	}
}

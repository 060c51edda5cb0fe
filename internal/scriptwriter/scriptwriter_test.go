package scriptwriter_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/notifications"
	"soundbite/internal/pipeline"
	"soundbite/internal/research"
	"soundbite/internal/scriptwriter"
	"soundbite/internal/services"
	"soundbite/internal/services/board"
	"soundbite/internal/services/scribe"
	"soundbite/internal/shows"
	"soundbite/internal/store"
	"soundbite/internal/testsupport"
)

const catalogSheet = `"","Person","Voices ID","Prompt"
"Daily News (Cast)","Ana","voice-news","You write INSERT TITLE scripts."
`

type fakeBoard struct {
	mu       sync.Mutex
	card     *board.Card
	files    []board.Attachment
	texts    map[string]string
	comments []string
	added    []string
	removed  []string
	moved    string
}

func newFakeBoard(card *board.Card) *fakeBoard {
	return &fakeBoard{card: card, texts: map[string]string{}}
}

func (b *fakeBoard) GetCard(context.Context, string) (*board.Card, error) { return b.card, nil }

func (b *fakeBoard) CardAttachments(context.Context, string) ([]board.Attachment, error) {
	return b.files, nil
}

func (b *fakeBoard) AddLabel(_ context.Context, _, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added = append(b.added, name)
	return nil
}

func (b *fakeBoard) RemoveLabel(_ context.Context, _, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, name)
	return nil
}

func (b *fakeBoard) AddComment(_ context.Context, _, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.comments = append(b.comments, text)
	return nil
}

func (b *fakeBoard) AttachText(_ context.Context, _, filename, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texts[filename] = content
	return nil
}

func (b *fakeBoard) AttachFile(_ context.Context, _, filename string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texts[filename] = string(data)
	return nil
}

func (b *fakeBoard) MoveToList(_ context.Context, _, listName string) error {
	b.moved = listName
	return nil
}

type fakeScribe struct {
	writeReq  *scribe.WriteRequest
	reviseReq *scribe.ReviseRequest
	result    *scribe.Result
	err       error
}

func (s *fakeScribe) WriteScript(_ context.Context, req scribe.WriteRequest) (*scribe.Result, error) {
	s.writeReq = &req
	return s.result, s.err
}

func (s *fakeScribe) ReviseScript(_ context.Context, req scribe.ReviseRequest) (*scribe.Result, error) {
	s.reviseReq = &req
	return s.result, s.err
}

func newShowService(t *testing.T, cfg *config.Config) *shows.Service {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(catalogSheet))
	}))
	t.Cleanup(server.Close)
	return shows.NewService(cfg, logging.NewNop(), shows.WithBaseURL(server.URL))
}

func testCard(labels ...string) *board.Card {
	card := &board.Card{
		ID:       "card-1",
		Name:     "Solar Farm Record",
		Desc:     "hit the economics angle",
		ShortURL: "https://boards.example/c/card-1",
	}
	for _, name := range labels {
		card.Labels = append(card.Labels, board.Label{Name: name})
	}
	return card
}

func scribeResult(script string) *scribe.Result {
	return &scribe.Result{
		Script:   script,
		Research: "=== RESEARCH LOG ===\n\n--- RESEARCH PROCESS ---\n\n[Thinking]\nnotes",
		Stats: scribe.Stats{
			InputTokens:  1000,
			OutputTokens: 500,
			CostUSD:      0.05,
			DurationS:    12.5,
			CharCount:    len(script),
			WordCount:    len(strings.Fields(script)),
		},
	}
}

type writerHarness struct {
	cfg    *config.Config
	store  *store.Store
	boards *fakeBoard
	scribe *fakeScribe
	writer *scriptwriter.Writer
}

func newWriterHarness(t *testing.T, card *board.Card) *writerHarness {
	t.Helper()
	h := &writerHarness{
		cfg:    testsupport.NewConfig(t, testsupport.WithWebURL("https://soundbite.example")),
		boards: newFakeBoard(card),
		scribe: &fakeScribe{result: scribeResult("A generated script about the record breaking solar farm opening today.")},
	}
	h.store = testsupport.MustOpenStore(t, h.cfg)
	h.writer = scriptwriter.NewWriter(
		h.store, h.boards, newShowService(t, h.cfg), h.scribe,
		research.NewFetcher(logging.NewNop()),
		notifications.NewService(h.cfg), h.cfg, logging.NewNop())
	return h
}

func payload() pipeline.TaskPayload {
	return pipeline.TaskPayload{
		CardID:      "card-1",
		CardName:    "Solar Farm Record",
		ShowLabel:   "Daily News (Cast)",
		Fingerprint: "fp-1",
	}
}

func TestWriterGeneratesAndHandsOff(t *testing.T) {
	h := newWriterHarness(t, testCard("Daily News (Cast)"))

	if err := h.writer.Execute(context.Background(), payload()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if h.scribe.writeReq == nil {
		t.Fatal("scribe not called")
	}
	if !strings.Contains(h.scribe.writeReq.SystemPrompt, "You write Solar Farm Record scripts.") {
		t.Errorf("title not substituted into prompt: %q", h.scribe.writeReq.SystemPrompt)
	}
	if h.scribe.writeReq.Instructions != "hit the economics angle" {
		t.Errorf("instructions = %q", h.scribe.writeReq.Instructions)
	}

	script, ok, err := h.store.GetEntry(context.Background(), store.ScriptKey("card-1"))
	if err != nil || !ok {
		t.Fatalf("script entry: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(script, "solar farm") {
		t.Errorf("stored script = %q", script)
	}
	stats, ok, err := h.store.GetEntry(context.Background(), store.StatsKey("card-1"))
	if err != nil || !ok {
		t.Fatalf("stats entry: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(stats, "script_cost_usd") {
		t.Errorf("stats = %s", stats)
	}

	if _, ok := h.boards.texts["script.txt"]; !ok {
		t.Error("script.txt not attached")
	}
	if _, ok := h.boards.texts["research.txt"]; !ok {
		t.Error("research.txt not attached")
	}
	if len(h.boards.comments) != 1 {
		t.Fatalf("comments = %d", len(h.boards.comments))
	}
	comment := h.boards.comments[0]
	if !strings.HasPrefix(comment, "**Script Generated**") {
		t.Errorf("comment = %q", comment)
	}
	if !strings.Contains(comment, h.cfg.Labels.Approved) {
		t.Error("comment missing approval label name")
	}
	if !strings.Contains(comment, "https://soundbite.example/script/edit/card-1") {
		t.Error("comment missing edit link")
	}

	if len(h.boards.removed) != 1 || h.boards.removed[0] != h.cfg.Labels.Writing {
		t.Errorf("removed labels = %v", h.boards.removed)
	}
	if len(h.boards.added) != 1 || h.boards.added[0] != h.cfg.Labels.Review {
		t.Errorf("added labels = %v", h.boards.added)
	}
}

func TestWriterForwardsImageAttachments(t *testing.T) {
	h := newWriterHarness(t, testCard("Daily News (Cast)"))
	h.boards.files = []board.Attachment{
		{Name: "chart.png", URL: "https://files.example/chart.png", MimeType: "image/png"},
		{Name: "notes.pdf", URL: "https://files.example/notes.pdf", MimeType: "application/pdf"},
	}

	if err := h.writer.Execute(context.Background(), payload()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(h.scribe.writeReq.Images) != 1 || h.scribe.writeReq.Images[0].Name != "chart.png" {
		t.Fatalf("images = %+v", h.scribe.writeReq.Images)
	}
}

func TestWriterSkipsStaleTask(t *testing.T) {
	h := newWriterHarness(t, testCard("Daily News (Cast)"))
	h.boards.card.Labels = append(h.boards.card.Labels, board.Label{Name: h.cfg.Labels.Review})

	if err := h.writer.Execute(context.Background(), payload()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.scribe.writeReq != nil {
		t.Error("scribe called for stale task")
	}
	if len(h.boards.comments) != 0 {
		t.Error("comment posted for stale task")
	}
}

func TestWriterUnknownShowFails(t *testing.T) {
	h := newWriterHarness(t, testCard("Mystery Label"))
	request := payload()
	request.ShowLabel = "Mystery Label (Cast)"

	err := h.writer.Execute(context.Background(), request)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

type reviserHarness struct {
	cfg     *config.Config
	store   *store.Store
	boards  *fakeBoard
	scribe  *fakeScribe
	reviser *scriptwriter.Reviser
}

func newReviserHarness(t *testing.T) *reviserHarness {
	t.Helper()
	h := &reviserHarness{
		cfg:    testsupport.NewConfig(t),
		boards: newFakeBoard(testCard("Daily News (Cast)")),
		scribe: &fakeScribe{result: scribeResult("The revised script text, tightened as requested by the producer.")},
	}
	h.store = testsupport.MustOpenStore(t, h.cfg)
	h.reviser = scriptwriter.NewReviser(
		h.store, h.boards, newShowService(t, h.cfg), h.scribe,
		notifications.NewService(h.cfg), h.cfg, logging.NewNop())
	return h
}

func (h *reviserHarness) seedScript(t *testing.T, text string) {
	t.Helper()
	if _, err := h.store.EnsureWorkItem(context.Background(), "card-1", "Solar Farm Record", "daily news (cast)", ""); err != nil {
		t.Fatalf("EnsureWorkItem: %v", err)
	}
	if err := h.store.SetEntry(context.Background(), store.ScriptKey("card-1"), text, store.ScriptTTL); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
}

func TestReviserModelRevision(t *testing.T) {
	h := newReviserHarness(t)
	h.seedScript(t, "the original script")

	request := payload()
	request.Text = "tighten the opening"
	if err := h.reviser.Execute(context.Background(), request); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if h.scribe.reviseReq == nil {
		t.Fatal("revision model not called")
	}
	if h.scribe.reviseReq.CurrentScript != "the original script" {
		t.Errorf("current script = %q", h.scribe.reviseReq.CurrentScript)
	}
	if h.scribe.reviseReq.Feedback != "tighten the opening" {
		t.Errorf("feedback = %q", h.scribe.reviseReq.Feedback)
	}

	stored, ok, _ := h.store.GetEntry(context.Background(), store.ScriptKey("card-1"))
	if !ok || !strings.Contains(stored, "revised script") {
		t.Errorf("stored script = %q ok=%v", stored, ok)
	}
	if got := h.boards.texts["script.txt"]; !strings.Contains(got, "revised script") {
		t.Errorf("attachment = %q", got)
	}
	if len(h.boards.comments) != 1 || !strings.HasPrefix(h.boards.comments[0], "**Script Revised**") {
		t.Errorf("comments = %v", h.boards.comments)
	}
}

func TestReviserManualEditReplacesDirectly(t *testing.T) {
	h := newReviserHarness(t)
	h.seedScript(t, "the original script")

	request := payload()
	request.Text = "the hand written replacement"
	request.ManualEdit = true
	if err := h.reviser.Execute(context.Background(), request); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if h.scribe.reviseReq != nil {
		t.Error("model called for a manual edit")
	}
	stored, ok, _ := h.store.GetEntry(context.Background(), store.ScriptKey("card-1"))
	if !ok || stored != "the hand written replacement" {
		t.Errorf("stored script = %q", stored)
	}
	if len(h.boards.comments) != 1 || !strings.HasPrefix(h.boards.comments[0], "**Script Manually Edited**") {
		t.Errorf("comments = %v", h.boards.comments)
	}
}

func TestReviserMissingScriptFails(t *testing.T) {
	h := newReviserHarness(t)

	request := payload()
	request.Text = "anything"
	err := h.reviser.Execute(context.Background(), request)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

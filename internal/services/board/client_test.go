package board_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"soundbite/internal/services/board"
)

func newTestClient(t *testing.T, handler http.Handler) *board.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := board.New("key", "token", "board-1", server.URL,
		board.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return client
}

func TestGetCard(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/card-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "key" || r.URL.Query().Get("token") != "token" {
			t.Error("expected auth params")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "card-1",
			"name":   "Episode 12",
			"idList": "list-1",
			"labels": []map[string]string{
				{"id": "l1", "name": "History Daily (Cast)"},
				{"id": "l2", "name": "cast script"},
			},
		})
	}))

	card, err := client.GetCard(context.Background(), "card-1")
	if err != nil {
		t.Fatalf("GetCard failed: %v", err)
	}
	if card.Name != "Episode 12" {
		t.Fatalf("unexpected card name: %q", card.Name)
	}
	if !card.HasLabel("CAST SCRIPT") {
		t.Fatal("expected case-insensitive label check")
	}
	if len(card.LabelNames()) != 2 {
		t.Fatalf("unexpected label names: %v", card.LabelNames())
	}
}

func TestAddLabelCreatesWhenMissing(t *testing.T) {
	var createdLabel, attachedID string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/boards/board-1/labels":
			_ = json.NewEncoder(w).Encode([]map[string]string{
				{"id": "l1", "name": "Other"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/boards/board-1/labels":
			createdLabel = r.URL.Query().Get("name")
			if r.URL.Query().Get("color") != "sky" {
				t.Errorf("expected sky color, got %q", r.URL.Query().Get("color"))
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "l-new", "name": createdLabel})
		case r.Method == http.MethodPost && r.URL.Path == "/cards/card-1/idLabels":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			attachedID = body["value"]
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	if err := client.AddLabel(context.Background(), "card-1", "Cast: Done"); err != nil {
		t.Fatalf("AddLabel failed: %v", err)
	}
	if createdLabel != "Cast: Done" {
		t.Fatalf("expected label created, got %q", createdLabel)
	}
	if attachedID != "l-new" {
		t.Fatalf("expected new label attached, got %q", attachedID)
	}
}

func TestAddLabelToleratesConflict(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/boards/board-1/labels":
			_ = json.NewEncoder(w).Encode([]map[string]string{
				{"id": "l1", "name": "Cast: Done"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/cards/card-1/idLabels":
			w.WriteHeader(http.StatusConflict)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	if err := client.AddLabel(context.Background(), "card-1", "cast: done"); err != nil {
		t.Fatalf("expected 409 tolerated, got %v", err)
	}
}

func TestRemoveLabelMissingIsNoop(t *testing.T) {
	var deleted bool
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/cards/card-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "card-1",
				"labels": []map[string]string{
					{"id": "l1", "name": "Other"},
				},
			})
		case r.Method == http.MethodDelete:
			deleted = true
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	if err := client.RemoveLabel(context.Background(), "card-1", "Cast: Error"); err != nil {
		t.Fatalf("RemoveLabel failed: %v", err)
	}
	if deleted {
		t.Fatal("expected no delete for missing label")
	}
}

func TestAttachFileUploadsMultipart(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/card-1/attachments" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("read file part: %v", err)
		}
		defer file.Close()
		if header.Filename != "script.txt" {
			t.Errorf("unexpected filename: %q", header.Filename)
		}
		if got := header.Header.Get("Content-Type"); got != "text/plain" {
			t.Errorf("unexpected mime type: %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.AttachText(context.Background(), "card-1", "script.txt", "hello"); err != nil {
		t.Fatalf("AttachText failed: %v", err)
	}
}

func TestMoveToList(t *testing.T) {
	var movedTo string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/boards/board-1/lists":
			_ = json.NewEncoder(w).Encode([]map[string]string{
				{"id": "list-1", "name": "Inbox"},
				{"id": "list-2", "name": "Videos in Edit"},
			})
		case r.Method == http.MethodPut && r.URL.Path == "/cards/card-1":
			movedTo = r.URL.Query().Get("idList")
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	if err := client.MoveToList(context.Background(), "card-1", "videos in edit"); err != nil {
		t.Fatalf("MoveToList failed: %v", err)
	}
	if movedTo != "list-2" {
		t.Fatalf("expected move to list-2, got %q", movedTo)
	}
}

func TestMoveToListUnknownList(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{})
	}))

	err := client.MoveToList(context.Background(), "card-1", "Nowhere")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

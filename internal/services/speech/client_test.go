package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"soundbite/internal/services"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		APIKey:       "speech-key",
		BaseURL:      baseURL,
		ModelID:      "multilingual_v2",
		OutputFormat: "mp3_44100_128",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestGenerate(t *testing.T) {
	audio := []byte("mp3-bytes-here")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "speech-key" {
			t.Errorf("api key header = %q", got)
		}
		if !strings.HasSuffix(r.URL.Path, "/text-to-speech/voice-abc") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["model_id"] != "multilingual_v2" || req["output_format"] != "mp3_44100_128" {
			t.Errorf("request body = %v", req)
		}
		w.Write(audio)
	}))
	defer server.Close()

	result, err := newTestClient(t, server.URL).Generate(context.Background(), "hello world", "voice-abc")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(result.Audio) != string(audio) {
		t.Errorf("audio = %q", result.Audio)
	}
}

func TestGenerateValidation(t *testing.T) {
	client := newTestClient(t, "http://localhost:0")
	if _, err := client.Generate(context.Background(), "", "voice"); !errors.Is(err, services.ErrValidation) {
		t.Errorf("empty text err = %v", err)
	}
	if _, err := client.Generate(context.Background(), "text", ""); !errors.Is(err, services.ErrValidation) {
		t.Errorf("empty voice err = %v", err)
	}
}

func TestGenerateServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Generate(context.Background(), "script text", "voice-abc")
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestGenerateClientErrorIsExternal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Generate(context.Background(), "script text", "bad-voice")
	if err == nil || errors.Is(err, services.ErrTransient) {
		t.Fatalf("err = %v, want non-transient external error", err)
	}
	if !errors.Is(err, services.ErrExternal) {
		t.Fatalf("err = %v, want ErrExternal", err)
	}
}

func TestGenerateEmptyAudio(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	if _, err := newTestClient(t, server.URL).Generate(context.Background(), "script text", "voice-abc"); err == nil {
		t.Fatal("expected error for empty audio body")
	}
}

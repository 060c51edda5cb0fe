package ingress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/pipeline"
	"soundbite/internal/queue"
	"soundbite/internal/services"
	"soundbite/internal/services/board"
	"soundbite/internal/shows"
	"soundbite/internal/store"
)

// maxWebhookBody caps webhook request bodies. Board actions are small; a
// larger body is either a misdirected request or abuse.
const maxWebhookBody = 1 << 20

// Orchestrator routes normalized events into the pipeline.
type Orchestrator interface {
	Handle(ctx context.Context, event pipeline.Event) (pipeline.Decision, error)
}

// Server is the HTTP ingress for webhook deliveries, the script editor API,
// and the status and admin endpoints.
type Server struct {
	store   *store.Store
	queue   *queue.Queue
	orch    Orchestrator
	board   board.Service
	shows   *shows.Service
	labels  config.Labels
	secret  string
	started time.Time
	logger  *slog.Logger
	router  *chi.Mux
}

// NewServer builds the ingress router against the shared store, queue, and
// orchestrator.
func NewServer(st *store.Store, q *queue.Queue, orch Orchestrator, boardSvc board.Service, showSvc *shows.Service, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		store:   st,
		queue:   q,
		orch:    orch,
		board:   boardSvc,
		shows:   showSvc,
		labels:  cfg.Labels,
		secret:  cfg.Board.WebhookSecret,
		started: time.Now(),
		logger:  logging.NewComponentLogger(logger, "ingress"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Head("/webhooks/board", s.handleWebhookValidation)
	r.Post("/webhooks/board", s.handleWebhook)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/script/{cardID}", s.handleGetScript)
	r.Put("/api/script/{cardID}", s.handlePutScript)
	r.Post("/admin/reset/{cardID}", s.handleReset)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWebhookValidation answers the board's callback-URL check. The board
// sends a HEAD request when the webhook is registered and expects a 200.
func (s *Server) handleWebhookValidation(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if s.secret != "" {
		signature := r.Header.Get(signatureHeader)
		callback := callbackURL(r)
		if !verifySignature(s.secret, body, signature, callback) {
			s.logger.Warn("invalid webhook signature", logging.String("callback_url", callback))
			s.writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var hook webhookPayload
	if err := json.Unmarshal(body, &hook); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	event, skipped, err := s.normalize(r.Context(), hook, body)
	if err != nil {
		s.logger.Warn("webhook normalization failed", logging.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if skipped != "" {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": skipped})
		return
	}

	ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
	ctx = services.WithCardID(ctx, event.CardID)
	ctx = services.WithEvent(ctx, string(event.Kind))
	log := logging.WithContext(ctx, s.logger)

	decision, err := s.orch.Handle(ctx, event)
	if err != nil {
		log.Error("webhook dispatch failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("webhook handled",
		logging.String("outcome", string(decision.Outcome)),
		logging.String("reason", decision.Reason))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  string(decision.Outcome),
		"stage":   string(decision.Stage),
		"reason":  decision.Reason,
		"card_id": event.CardID,
	})
}

// StatusResponse is the /api/status body.
type StatusResponse struct {
	Status    string       `json:"status"`
	PID       int          `json:"pid"`
	StartedAt time.Time    `json:"started_at"`
	Queue     QueueSummary `json:"queue"`
	Stages    StageSummary `json:"stages"`
}

// QueueSummary aggregates task counts by state.
type QueueSummary struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// StageSummary aggregates stage-record counts by status.
type StageSummary struct {
	Cards          int `json:"cards"`
	Pending        int `json:"pending"`
	Running        int `json:"running"`
	AwaitingReview int `json:"awaiting_review"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.CountByState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	health, err := s.store.Health(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:    "running",
		PID:       os.Getpid(),
		StartedAt: s.started,
		Queue: QueueSummary{
			Queued:    counts.Queued,
			Running:   counts.Running,
			Succeeded: counts.Succeeded,
			Failed:    counts.Failed,
		},
		Stages: StageSummary{
			Cards:          health.Cards,
			Pending:        health.Pending,
			Running:        health.Running,
			AwaitingReview: health.AwaitingReview,
			Succeeded:      health.Succeeded,
			Failed:         health.Failed,
		},
	})
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	script, ok, err := s.store.GetEntry(r.Context(), store.ScriptKey(cardID))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"card_id":    cardID,
		"script":     script,
		"word_count": len(strings.Fields(script)),
	})
}

type saveScriptRequest struct {
	Script string `json:"script"`
}

// handlePutScript saves a manually edited script. The edit flows through the
// orchestrator as a revision so the store, board attachments, and comments
// stay consistent with model-driven revisions.
func (s *Server) handlePutScript(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	var req saveScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	text := strings.TrimSpace(req.Script)
	if text == "" {
		s.writeError(w, http.StatusBadRequest, "script cannot be empty")
		return
	}

	if _, ok, err := s.store.GetEntry(r.Context(), store.ScriptKey(cardID)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}

	card, err := s.board.GetCard(r.Context(), cardID)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !card.HasLabel(s.labels.Review) {
		s.writeError(w, http.StatusConflict, "card not in review")
		return
	}

	decision, err := s.orch.Handle(r.Context(), pipeline.Event{
		CardID:      cardID,
		CardName:    card.Name,
		Kind:        pipeline.EventManualEdit,
		Fingerprint: "edit-" + uuid.NewString(),
		Labels:      card.LabelNames(),
		Text:        req.Script,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if decision.Outcome != pipeline.OutcomeEnqueued {
		s.writeError(w, http.StatusConflict, decision.Reason)
		return
	}
	s.logger.Info("manual edit queued",
		logging.String("card_id", cardID),
		logging.Int("word_count", len(strings.Fields(text))))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "queued",
		"word_count": len(strings.Fields(text)),
	})
}

// handleReset clears a card's stage records and every store entry tied to it,
// including claimed trigger fingerprints, so the card can run again.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	stages, err := s.store.ResetStages(r.Context(), cardID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payloads, err := s.store.DeleteEntriesLike(r.Context(), store.CardEntriesPattern(cardID))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	claims, err := s.store.DeleteEntriesLike(r.Context(), store.IdemEntriesPattern(cardID))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("card reset",
		logging.String("card_id", cardID),
		logging.Int64("stages_reset", stages),
		logging.Int64("keys_deleted", payloads+claims))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "cleared",
		"card_id":      cardID,
		"stages_reset": stages,
		"keys_deleted": payloads + claims,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

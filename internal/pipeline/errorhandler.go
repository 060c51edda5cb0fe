package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/notifications"
	"soundbite/internal/services"
	"soundbite/internal/store"
)

// ErrorHandler is the uniform failure sink for every stage. It makes the
// failure visible (failed status, error label, card comment, push
// notification) and stops; a fresh human trigger is the only retry path.
type ErrorHandler struct {
	store    *store.Store
	board    Board
	notifier notifications.Service
	labels   config.Labels
	logger   *slog.Logger
}

// NewErrorHandler wires the failure sink.
func NewErrorHandler(st *store.Store, boardSvc Board, notifier notifications.Service, cfg *config.Config, logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{
		store:    st,
		board:    boardSvc,
		notifier: notifier,
		labels:   cfg.Labels,
		logger:   logging.NewComponentLogger(logger, "errors"),
	}
}

// Handle records a terminal stage failure. Store state is authoritative;
// board and notification mirroring are best-effort.
func (h *ErrorHandler) Handle(ctx context.Context, cardID, cardName string, stage store.Stage, cause error) {
	message := services.Details(cause).Message
	log := h.logger.With(
		logging.String("card_id", cardID),
		logging.String("stage", string(stage)))
	log.Error("stage failed", logging.Error(cause))

	if _, err := h.store.FailStage(ctx, cardID, stage, message); err != nil {
		log.Error("persist failed status", logging.Error(err))
	}

	// A failed voice or delivery stage releases the approval marker so a
	// fresh approval can retry from the failed stage.
	if stage == store.StageVoice || stage == store.StageDelivery {
		if err := h.store.DeleteEntry(ctx, store.VoiceMarkerKey(cardID)); err != nil {
			log.Warn("clear approval marker", logging.Error(err))
		}
	}

	if h.board != nil {
		for _, label := range []string{h.labels.Writing, h.labels.Voicing} {
			if label == "" {
				continue
			}
			if err := h.board.RemoveLabel(ctx, cardID, label); err != nil {
				log.Warn("remove progress label", logging.String("label", label), logging.Error(err))
			}
		}
		if h.labels.Error != "" {
			if err := h.board.AddLabel(ctx, cardID, h.labels.Error); err != nil {
				log.Warn("apply error label", logging.Error(err))
			}
		}
		comment := fmt.Sprintf("**Pipeline error during %s stage:** %s", stage, message)
		if err := h.board.AddComment(ctx, cardID, comment); err != nil {
			log.Warn("post error comment", logging.Error(err))
		}
	}

	if h.notifier != nil {
		context := fmt.Sprintf("%s (%s stage)", cardName, stage)
		if err := h.notifier.NotifyError(ctx, cause, context); err != nil {
			log.Warn("error notification", logging.Error(err))
		}
	}
}

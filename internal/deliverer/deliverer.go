// Package deliverer implements the delivery stage: final attachments, the
// move to the ready list, and label cleanup.
package deliverer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/notifications"
	"soundbite/internal/pipeline"
	"soundbite/internal/services"
	"soundbite/internal/services/board"
	"soundbite/internal/store"
)

// Handler finishes a card: attaches the audio and final script, posts the
// completion comment, moves the card to the ready list, and swaps the
// intermediate labels for the done label.
type Handler struct {
	store    *store.Store
	board    board.Service
	notifier notifications.Service
	labels   config.Labels
	logger   *slog.Logger
}

var _ pipeline.StageHandler = (*Handler)(nil)

// New wires the delivery stage handler.
func New(st *store.Store, boardSvc board.Service, notifier notifications.Service, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		store:    st,
		board:    boardSvc,
		notifier: notifier,
		labels:   cfg.Labels,
		logger:   logging.NewComponentLogger(logger, "deliverer"),
	}
}

// Execute delivers the synthesized audio. The audio entry is deleted on
// success; the script entry stays for the remainder of its review TTL.
func (h *Handler) Execute(ctx context.Context, payload pipeline.TaskPayload) error {
	log := h.logger.With(logging.String("card_id", payload.CardID))

	encoded, ok, err := h.store.GetEntry(ctx, store.AudioKey(payload.CardID))
	if err != nil {
		return err
	}
	if !ok {
		return services.Wrap(services.ErrNotFound, "delivery", "load_audio",
			"audio entry missing or expired", nil)
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return services.Wrap(services.ErrValidation, "delivery", "load_audio", "corrupt audio entry", err)
	}

	script, _, err := h.store.GetEntry(ctx, store.ScriptKey(payload.CardID))
	if err != nil {
		return err
	}

	if err := h.board.AttachFile(ctx, payload.CardID, "voice.mp3", audio, "audio/mpeg"); err != nil {
		return services.Wrap(services.ErrExternal, "delivery", "attach", "attach audio", err)
	}
	if script != "" {
		if err := h.board.AttachText(ctx, payload.CardID, "script.txt", script); err != nil {
			return services.Wrap(services.ErrExternal, "delivery", "attach", "attach final script", err)
		}
	}

	audioMB := float64(len(audio)) / (1024 * 1024)
	wordCount := len(strings.Fields(script))
	comment := fmt.Sprintf(
		"**Delivered**\n\nVoice: %.1f MB | Script: %d words\nReady for video editing.",
		audioMB, wordCount)
	if err := h.board.AddComment(ctx, payload.CardID, comment); err != nil {
		return services.Wrap(services.ErrExternal, "delivery", "comment", "post delivery comment", err)
	}

	if h.labels.ReadyList != "" {
		if err := h.board.MoveToList(ctx, payload.CardID, h.labels.ReadyList); err != nil {
			return services.Wrap(services.ErrExternal, "delivery", "move", "move card to ready list", err)
		}
	}

	for _, label := range []string{h.labels.Trigger, h.labels.Review, h.labels.Approved, h.labels.Voicing} {
		if label == "" {
			continue
		}
		if err := h.board.RemoveLabel(ctx, payload.CardID, label); err != nil {
			log.Warn("remove label", logging.String("label", label), logging.Error(err))
		}
	}
	if err := h.board.AddLabel(ctx, payload.CardID, h.labels.Done); err != nil {
		return services.Wrap(services.ErrExternal, "delivery", "labels", "apply done label", err)
	}

	if err := h.store.MergeEntryJSON(ctx, store.StatsKey(payload.CardID), map[string]any{
		"delivered": true,
	}, store.StatsTTL); err != nil {
		return err
	}
	if err := h.store.DeleteEntry(ctx, store.AudioKey(payload.CardID)); err != nil {
		log.Warn("delete audio entry", logging.Error(err))
	}

	if err := h.notifier.NotifyDelivered(ctx, payload.CardName, len(audio)); err != nil {
		log.Warn("delivery notification", logging.Error(err))
	}

	log.Info("card delivered",
		logging.Int("audio_bytes", len(audio)),
		logging.Int("script_words", wordCount))
	return nil
}

// Package voicer implements the voice stage: it turns the approved script
// into audio and parks the bytes for the delivery stage.
package voicer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/pipeline"
	"soundbite/internal/services"
	"soundbite/internal/services/board"
	"soundbite/internal/services/speech"
	"soundbite/internal/shows"
	"soundbite/internal/store"
)

// Handler synthesizes audio for an approved script. The audio entry is
// base64 encoded because the store holds text values.
type Handler struct {
	store  *store.Store
	board  board.Service
	shows  *shows.Service
	speech speech.Service
	labels config.Labels
	logger *slog.Logger
}

var _ pipeline.StageHandler = (*Handler)(nil)

// New wires the voice stage handler.
func New(st *store.Store, boardSvc board.Service, showsSvc *shows.Service, speechSvc speech.Service, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		store:  st,
		board:  boardSvc,
		shows:  showsSvc,
		speech: speechSvc,
		labels: cfg.Labels,
		logger: logging.NewComponentLogger(logger, "voicer"),
	}
}

// Execute reads the stored script, resolves the show's voice, and stores the
// synthesized audio with a 24 hour expiry for delivery to pick up.
func (h *Handler) Execute(ctx context.Context, payload pipeline.TaskPayload) error {
	log := h.logger.With(logging.String("card_id", payload.CardID))

	script, ok, err := h.store.GetEntry(ctx, store.ScriptKey(payload.CardID))
	if err != nil {
		return err
	}
	if !ok {
		return services.Wrap(services.ErrNotFound, "voice", "load_script",
			"script entry missing or expired", nil)
	}

	voiceID, err := h.resolveVoice(ctx, payload)
	if err != nil {
		return err
	}

	synthesis, err := h.speech.Generate(ctx, script, voiceID)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(synthesis.Audio)
	if err := h.store.SetEntry(ctx, store.AudioKey(payload.CardID), encoded, store.AudioTTL); err != nil {
		return err
	}
	if err := h.store.MergeEntryJSON(ctx, store.StatsKey(payload.CardID), map[string]any{
		"voice_duration_s": synthesis.DurationS,
		"audio_size_bytes": len(synthesis.Audio),
	}, store.StatsTTL); err != nil {
		return err
	}

	log.Info("voice synthesized",
		logging.String("voice_id", voiceID),
		logging.Int("audio_bytes", len(synthesis.Audio)),
		logging.Float64("duration_s", synthesis.DurationS))
	return nil
}

func (h *Handler) resolveVoice(ctx context.Context, payload pipeline.TaskPayload) (string, error) {
	catalog, err := h.shows.Catalog(ctx)
	if err != nil {
		return "", err
	}
	if profile, ok := catalog.Lookup(payload.ShowLabel); ok {
		return profile.VoiceID, nil
	}
	// The payload may miss the show label on replays; fall back to the
	// work item's recorded label.
	if item, err := h.store.GetWorkItem(ctx, payload.CardID); err == nil {
		if profile, ok := catalog.Lookup(item.ShowLabel); ok {
			return profile.VoiceID, nil
		}
	}
	if card, err := h.board.GetCard(ctx, payload.CardID); err == nil {
		if profile, ok := catalog.Match(card.LabelNames()); ok {
			return profile.VoiceID, nil
		}
	}
	return "", services.Wrap(services.ErrConfiguration, "voice", "resolve_voice",
		fmt.Sprintf("no voice for show label %q", payload.ShowLabel), nil)
}

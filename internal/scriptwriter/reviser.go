package scriptwriter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/notifications"
	"soundbite/internal/pipeline"
	"soundbite/internal/services"
	"soundbite/internal/services/board"
	"soundbite/internal/services/scribe"
	"soundbite/internal/shows"
	"soundbite/internal/store"
)

// Reviser applies producer feedback to a script awaiting review. Comment
// feedback goes through the revision model; a manual edit replaces the text
// directly. Neither path changes the card's pipeline status.
type Reviser struct {
	store    *store.Store
	board    board.Service
	shows    *shows.Service
	scribe   scribe.Service
	notifier notifications.Service
	labels   config.Labels
	webURL   string
	logger   *slog.Logger
}

var _ pipeline.StageHandler = (*Reviser)(nil)

// NewReviser wires the revision handler.
func NewReviser(
	st *store.Store,
	boardSvc board.Service,
	showsSvc *shows.Service,
	scribeSvc scribe.Service,
	notifier notifications.Service,
	cfg *config.Config,
	logger *slog.Logger,
) *Reviser {
	return &Reviser{
		store:    st,
		board:    boardSvc,
		shows:    showsSvc,
		scribe:   scribeSvc,
		notifier: notifier,
		labels:   cfg.Labels,
		webURL:   strings.TrimRight(cfg.Paths.WebURL, "/"),
		logger:   logging.NewComponentLogger(logger, "reviser"),
	}
}

// Execute rewrites the stored script per the payload's feedback or manual
// replacement, refreshes the card attachment, and posts a summary comment.
func (r *Reviser) Execute(ctx context.Context, payload pipeline.TaskPayload) error {
	log := r.logger.With(logging.String("card_id", payload.CardID))

	current, ok, err := r.store.GetEntry(ctx, store.ScriptKey(payload.CardID))
	if err != nil {
		return err
	}
	if !ok {
		return services.Wrap(services.ErrNotFound, "revision", "load_script",
			"script entry missing or expired", nil)
	}

	card, err := r.board.GetCard(ctx, payload.CardID)
	if err != nil {
		return services.Wrap(services.ErrExternal, "revision", "get_card", "fetch card", err)
	}

	var (
		revised string
		comment string
	)
	if payload.ManualEdit {
		revised = strings.TrimSpace(payload.Text)
		if revised == "" {
			return services.Wrap(services.ErrValidation, "revision", "manual_edit", "empty replacement script", nil)
		}
		comment = fmt.Sprintf(
			"**Script Manually Edited** (%d words)\n"+
				"Review and add **%s** label when ready.%s",
			len(strings.Fields(revised)), r.labels.Approved, r.editLink(card.ID))
	} else {
		catalog, err := r.shows.Catalog(ctx)
		if err != nil {
			return err
		}
		profile, ok := catalog.Lookup(payload.ShowLabel)
		if !ok {
			if profile, ok = catalog.Match(card.LabelNames()); !ok {
				return services.Wrap(services.ErrConfiguration, "revision", "resolve_show",
					fmt.Sprintf("no show profile for label %q", payload.ShowLabel), nil)
			}
		}
		prompt := strings.ReplaceAll(profile.Prompt, titlePlaceholder, card.Name)
		result, err := r.scribe.ReviseScript(ctx, scribe.ReviseRequest{
			SystemPrompt:  prompt,
			CurrentScript: current,
			Feedback:      payload.Text,
		})
		if err != nil {
			return services.Wrap(services.ErrExternal, "revision", "generate", "script revision", err)
		}
		revised = result.Script
		comment = fmt.Sprintf(
			"**Script Revised** (%d words)\n"+
				"Cost: $%.4f | Time: %.1fs\n\n"+
				"Review and add **%s** label when ready.%s",
			result.Stats.WordCount, result.Stats.CostUSD, result.Stats.DurationS,
			r.labels.Approved, r.editLink(card.ID))
	}

	if err := r.store.SetEntry(ctx, store.ScriptKey(payload.CardID), revised, store.ScriptTTL); err != nil {
		return err
	}
	if err := r.board.AttachText(ctx, payload.CardID, "script.txt", revised); err != nil {
		return services.Wrap(services.ErrExternal, "revision", "attach", "attach revised script", err)
	}
	if err := r.board.AddComment(ctx, payload.CardID, comment); err != nil {
		return services.Wrap(services.ErrExternal, "revision", "comment", "post revision comment", err)
	}

	if record, err := r.store.StageRecord(ctx, payload.CardID, store.StageScript); err == nil {
		if err := r.notifier.NotifyRevisionApplied(ctx, card.Name, record.RevisionCount+1); err != nil {
			log.Warn("revision notification", logging.Error(err))
		}
	}

	log.Info("script revised",
		logging.Bool("manual", payload.ManualEdit),
		logging.Int("words", len(strings.Fields(revised))))
	return nil
}

func (r *Reviser) editLink(cardID string) string {
	if r.webURL == "" {
		return ""
	}
	return fmt.Sprintf("\n\n[Edit script](%s/script/edit/%s)", r.webURL, cardID)
}

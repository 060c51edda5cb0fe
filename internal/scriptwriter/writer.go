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
	"soundbite/internal/research"
	"soundbite/internal/services"
	"soundbite/internal/services/board"
	"soundbite/internal/services/scribe"
	"soundbite/internal/shows"
	"soundbite/internal/store"
)

const titlePlaceholder = "INSERT TITLE"

// Writer runs the initial script generation for a card: research, model
// call, attachments, review handoff.
type Writer struct {
	store    *store.Store
	board    board.Service
	shows    *shows.Service
	scribe   scribe.Service
	research *research.Fetcher
	notifier notifications.Service
	labels   config.Labels
	webURL   string
	logger   *slog.Logger
}

var _ pipeline.StageHandler = (*Writer)(nil)

// NewWriter wires the script stage handler.
func NewWriter(
	st *store.Store,
	boardSvc board.Service,
	showsSvc *shows.Service,
	scribeSvc scribe.Service,
	fetcher *research.Fetcher,
	notifier notifications.Service,
	cfg *config.Config,
	logger *slog.Logger,
) *Writer {
	return &Writer{
		store:    st,
		board:    boardSvc,
		shows:    showsSvc,
		scribe:   scribeSvc,
		research: fetcher,
		notifier: notifier,
		labels:   cfg.Labels,
		webURL:   strings.TrimRight(cfg.Paths.WebURL, "/"),
		logger:   logging.NewComponentLogger(logger, "scriptwriter"),
	}
}

// Execute generates the script for a card and suspends it for review. A card
// that already advanced past writing (a stale task redelivered after the
// reviewer acted) is skipped without error.
func (w *Writer) Execute(ctx context.Context, payload pipeline.TaskPayload) error {
	log := w.logger.With(logging.String("card_id", payload.CardID))

	card, err := w.board.GetCard(ctx, payload.CardID)
	if err != nil {
		return services.Wrap(services.ErrExternal, "script", "get_card", "fetch card", err)
	}
	if reason := w.staleReason(card); reason != "" {
		log.Info("skipping stale script task", logging.String("reason", reason))
		return nil
	}

	profile, err := w.resolveProfile(ctx, payload.ShowLabel, card)
	if err != nil {
		return err
	}

	prepared, err := w.research.PrepareContext(ctx, card.Desc)
	if err != nil {
		return services.Wrap(services.ErrExternal, "script", "research", "prepare research context", err)
	}
	if prepared.Instructions != "" {
		log.Info("card instructions present", logging.Int("length", len(prepared.Instructions)))
	}
	if len(prepared.Articles) > 0 {
		log.Info("articles fetched from description", logging.Int("count", len(prepared.Articles)))
	}

	images := w.imageAttachments(ctx, payload.CardID, log)

	prompt := strings.ReplaceAll(profile.Prompt, titlePlaceholder, card.Name)
	result, err := w.scribe.WriteScript(ctx, scribe.WriteRequest{
		SystemPrompt: prompt,
		Topic:        card.Name,
		Instructions: prepared.Instructions,
		Articles:     scribeArticles(prepared.Articles),
		Images:       images,
	})
	if err != nil {
		return services.Wrap(services.ErrExternal, "script", "generate", "script generation", err)
	}

	if err := w.store.SetEntry(ctx, store.ScriptKey(payload.CardID), result.Script, store.ScriptTTL); err != nil {
		return err
	}
	if err := w.store.MergeEntryJSON(ctx, store.StatsKey(payload.CardID), map[string]any{
		"script_word_count":    result.Stats.WordCount,
		"script_char_count":    result.Stats.CharCount,
		"script_input_tokens":  result.Stats.InputTokens,
		"script_output_tokens": result.Stats.OutputTokens,
		"script_cost_usd":      result.Stats.CostUSD,
		"script_duration_s":    result.Stats.DurationS,
	}, store.StatsTTL); err != nil {
		return err
	}

	if err := w.board.AttachText(ctx, payload.CardID, "script.txt", result.Script); err != nil {
		return services.Wrap(services.ErrExternal, "script", "attach", "attach script", err)
	}
	if result.Research != "" {
		if err := w.board.AttachText(ctx, payload.CardID, "research.txt", result.Research); err != nil {
			return services.Wrap(services.ErrExternal, "script", "attach", "attach research log", err)
		}
	}

	comment := w.generatedComment(card, result, len(prepared.Articles), len(images))
	if err := w.board.AddComment(ctx, payload.CardID, comment); err != nil {
		return services.Wrap(services.ErrExternal, "script", "comment", "post summary comment", err)
	}

	// Hand the card to the reviewer: writing off, review on.
	if err := w.board.RemoveLabel(ctx, payload.CardID, w.labels.Writing); err != nil {
		log.Warn("remove writing label", logging.Error(err))
	}
	if err := w.board.AddLabel(ctx, payload.CardID, w.labels.Review); err != nil {
		return services.Wrap(services.ErrExternal, "script", "labels", "apply review label", err)
	}

	if err := w.notifier.NotifyScriptReady(ctx, card.Name, card.ShortURL); err != nil {
		log.Warn("script ready notification", logging.Error(err))
	}

	log.Info("script generated",
		logging.Int("words", result.Stats.WordCount),
		logging.Float64("cost_usd", result.Stats.CostUSD),
		logging.Float64("duration_s", result.Stats.DurationS))
	return nil
}

// staleReason reports why a queued script task no longer applies.
func (w *Writer) staleReason(card *board.Card) string {
	for _, label := range []string{w.labels.Review, w.labels.Approved, w.labels.Voicing, w.labels.Done} {
		if label != "" && card.HasLabel(label) {
			return fmt.Sprintf("card already has %q", label)
		}
	}
	return ""
}

func (w *Writer) resolveProfile(ctx context.Context, showLabel string, card *board.Card) (shows.Profile, error) {
	catalog, err := w.shows.Catalog(ctx)
	if err != nil {
		return shows.Profile{}, err
	}
	if profile, ok := catalog.Lookup(showLabel); ok {
		return profile, nil
	}
	if profile, ok := catalog.Match(card.LabelNames()); ok {
		return profile, nil
	}
	return shows.Profile{}, services.Wrap(services.ErrConfiguration, "script", "resolve_show",
		fmt.Sprintf("no show profile for label %q", showLabel), nil)
}

func (w *Writer) imageAttachments(ctx context.Context, cardID string, log *slog.Logger) []scribe.Image {
	attachments, err := w.board.CardAttachments(ctx, cardID)
	if err != nil {
		log.Warn("list card attachments", logging.Error(err))
		return nil
	}
	var images []scribe.Image
	for _, attachment := range attachments {
		if strings.HasPrefix(attachment.MimeType, "image/") && attachment.URL != "" {
			images = append(images, scribe.Image{URL: attachment.URL, Name: attachment.Name})
		}
	}
	return images
}

func (w *Writer) generatedComment(card *board.Card, result *scribe.Result, articleCount, imageCount int) string {
	preview := result.Script
	if len(preview) > 500 {
		preview = preview[:500] + "..."
	}
	var sources string
	if articleCount > 0 {
		sources = fmt.Sprintf(" | %d article(s) fetched", articleCount)
	}
	var images string
	if imageCount > 0 {
		images = fmt.Sprintf(" | %d image(s)", imageCount)
	}
	return fmt.Sprintf(
		"**Script Generated** (%d words, %d chars)\n"+
			"Cost: $%.2f | Tokens: %d in / %d out | Time: %.1fs%s%s\n\n"+
			"Review the script and add **%s** label when ready.%s\n\n%s",
		result.Stats.WordCount, result.Stats.CharCount,
		result.Stats.CostUSD, result.Stats.InputTokens, result.Stats.OutputTokens,
		result.Stats.DurationS, sources, images,
		w.labels.Approved, w.editLink(card.ID), preview)
}

func (w *Writer) editLink(cardID string) string {
	if w.webURL == "" {
		return ""
	}
	return fmt.Sprintf("\n\n[Edit script](%s/script/edit/%s)", w.webURL, cardID)
}

func scribeArticles(articles []research.Article) []scribe.Article {
	converted := make([]scribe.Article, 0, len(articles))
	for _, article := range articles {
		converted = append(converted, scribe.Article{URL: article.URL, Content: article.Content})
	}
	return converted
}

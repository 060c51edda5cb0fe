package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"soundbite/internal/daemon"
	"soundbite/internal/deliverer"
	"soundbite/internal/ingress"
	"soundbite/internal/logging"
	"soundbite/internal/notifications"
	"soundbite/internal/pipeline"
	"soundbite/internal/queue"
	"soundbite/internal/research"
	"soundbite/internal/scriptwriter"
	"soundbite/internal/services/board"
	"soundbite/internal/services/scribe"
	"soundbite/internal/services/speech"
	"soundbite/internal/shows"
	"soundbite/internal/store"
	"soundbite/internal/voicer"
)

func newServeCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}

			logger, err := logging.New(logging.Options{
				Level:       cfg.Logging.Level,
				Format:      cfg.Logging.Format,
				OutputPaths: []string{"stdout", filepath.Join(cfg.Paths.LogDir, "soundbite.log")},
			})
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}

			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			q, err := queue.New(st.DB())
			if err != nil {
				_ = st.Close()
				return fmt.Errorf("open queue: %w", err)
			}

			boardClient, err := board.New(cfg.Board.APIKey, cfg.Board.Token, cfg.Board.BoardID, cfg.Board.BaseURL)
			if err != nil {
				_ = st.Close()
				return fmt.Errorf("board client: %w", err)
			}
			scribeClient, err := scribe.NewClient(scribe.Config{
				APIKey:         cfg.Scribe.APIKey,
				BaseURL:        cfg.Scribe.BaseURL,
				Model:          cfg.Scribe.Model,
				RevisionModel:  cfg.Scribe.RevisionModel,
				MaxTokens:      cfg.Scribe.MaxTokens,
				TimeoutSeconds: cfg.Scribe.TimeoutSeconds,
			})
			if err != nil {
				_ = st.Close()
				return fmt.Errorf("scribe client: %w", err)
			}
			speechClient, err := speech.NewClient(speech.Config{
				APIKey:         cfg.Speech.APIKey,
				BaseURL:        cfg.Speech.BaseURL,
				ModelID:        cfg.Speech.ModelID,
				OutputFormat:   cfg.Speech.OutputFormat,
				TimeoutSeconds: cfg.Speech.TimeoutSeconds,
			})
			if err != nil {
				_ = st.Close()
				return fmt.Errorf("speech client: %w", err)
			}

			showSvc := shows.NewService(cfg, logger)
			fetcher := research.NewFetcher(logger)
			notifier := notifications.NewService(cfg)

			handlers := pipeline.Handlers{
				Script:   scriptwriter.NewWriter(st, boardClient, showSvc, scribeClient, fetcher, notifier, cfg, logger),
				Revision: scriptwriter.NewReviser(st, boardClient, showSvc, scribeClient, notifier, cfg, logger),
				Voice:    voicer.New(st, boardClient, showSvc, speechClient, cfg, logger),
				Delivery: deliverer.New(st, boardClient, notifier, cfg, logger),
			}
			errs := pipeline.NewErrorHandler(st, boardClient, notifier, cfg, logger)
			exec := pipeline.NewExecutor(st, q, handlers, errs, cfg, logger)
			orch := pipeline.NewOrchestrator(st, q, boardClient, cfg, logger)
			ing := ingress.NewServer(st, q, orch, boardClient, showSvc, cfg, logger)

			d, err := daemon.New(cfg, st, q, exec, ing, logger)
			if err != nil {
				_ = st.Close()
				return err
			}

			runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Start(runCtx); err != nil {
				_ = d.Close()
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "soundbite daemon running; press Ctrl-C to stop")

			<-runCtx.Done()
			return d.Close()
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"soundbite/internal/logging"
	"soundbite/internal/notifications"
	"soundbite/internal/shows"
)

func newShowsCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "shows",
		Short: "List the shows configured in the catalog sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			svc := shows.NewService(cfg, logging.NewNop())
			catalog, err := svc.Catalog(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch show catalog: %w", err)
			}

			rows := make([][]string, 0, catalog.Len())
			for _, label := range catalog.Labels() {
				profile, ok := catalog.Lookup(label)
				if !ok {
					continue
				}
				rows = append(rows, []string{profile.Name, profile.VoiceID})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Show", "Voice ID"}, rows))
			fmt.Fprintf(cmd.OutOrStdout(), "%d shows configured\n", catalog.Len())
			return nil
		},
	}
}

func newTestNotifyCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test push notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Notifications.NtfyTopic == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "ntfy topic not configured; nothing sent")
				return nil
			}
			notifier := notifications.NewService(cfg)
			if err := notifier.TestNotification(cmd.Context()); err != nil {
				return fmt.Errorf("send test notification: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}

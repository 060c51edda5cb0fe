package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"soundbite/internal/store"
)

func newResetCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <card-id>",
		Short: "Clear a card's stages and claimed fingerprints so it can run again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cardID := strings.TrimSpace(args[0])
			if cardID == "" {
				return fmt.Errorf("card id is required")
			}

			if done, err := resetViaDaemon(cmd.Context(), cmdCtx, cardID, cmd); done || err != nil {
				return err
			}
			return resetDirect(cmd.Context(), cmdCtx, cardID, cmd)
		},
	}
}

func resetViaDaemon(ctx context.Context, cmdCtx *commandContext, cardID string, cmd *cobra.Command) (bool, error) {
	base, err := cmdCtx.apiBase()
	if err != nil {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/admin/reset/"+cardID, nil)
	if err != nil {
		return false, nil
	}
	resp, err := cmdCtx.apiClient().Do(req)
	if err != nil {
		// No daemon listening; the caller falls back to the database.
		return false, nil
	}
	defer resp.Body.Close()

	var body struct {
		StagesReset int64  `json:"stages_reset"`
		KeysDeleted int64  `json:"keys_deleted"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return true, fmt.Errorf("decode reset response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return true, fmt.Errorf("reset failed: %s", body.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Card %s cleared: %d stages reset, %d keys deleted\n",
		cardID, body.StagesReset, body.KeysDeleted)
	return true, nil
}

func resetDirect(ctx context.Context, cmdCtx *commandContext, cardID string, cmd *cobra.Command) error {
	cfg, err := cmdCtx.ensureConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stages, err := st.ResetStages(ctx, cardID)
	if err != nil {
		return err
	}
	payloads, err := st.DeleteEntriesLike(ctx, store.CardEntriesPattern(cardID))
	if err != nil {
		return err
	}
	claims, err := st.DeleteEntriesLike(ctx, store.IdemEntriesPattern(cardID))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Card %s cleared: %d stages reset, %d keys deleted\n",
		cardID, stages, payloads+claims)
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"soundbite/internal/ingress"
	"soundbite/internal/queue"
	"soundbite/internal/store"
)

func newStatusCommand(cmdCtx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue, and stage status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, live, err := fetchStatus(cmd.Context(), cmdCtx)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			printStatus(cmd.OutOrStdout(), status, live)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON")
	return cmd
}

// fetchStatus asks the running daemon first and falls back to reading the
// shared database directly when no daemon is listening.
func fetchStatus(ctx context.Context, cmdCtx *commandContext) (ingress.StatusResponse, bool, error) {
	base, err := cmdCtx.apiBase()
	if err == nil {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/status", nil)
		if reqErr == nil {
			resp, getErr := cmdCtx.apiClient().Do(req)
			if getErr == nil {
				defer resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					var status ingress.StatusResponse
					if decodeErr := json.NewDecoder(resp.Body).Decode(&status); decodeErr == nil {
						return status, true, nil
					}
				}
			}
		}
	}
	return offlineStatus(ctx, cmdCtx)
}

func offlineStatus(ctx context.Context, cmdCtx *commandContext) (ingress.StatusResponse, bool, error) {
	cfg, err := cmdCtx.ensureConfig()
	if err != nil {
		return ingress.StatusResponse{}, false, err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return ingress.StatusResponse{}, false, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	q, err := queue.New(st.DB())
	if err != nil {
		return ingress.StatusResponse{}, false, fmt.Errorf("open queue: %w", err)
	}

	counts, err := q.CountByState(ctx)
	if err != nil {
		return ingress.StatusResponse{}, false, err
	}
	health, err := st.Health(ctx)
	if err != nil {
		return ingress.StatusResponse{}, false, err
	}
	return ingress.StatusResponse{
		Status: "stopped",
		Queue: ingress.QueueSummary{
			Queued:    counts.Queued,
			Running:   counts.Running,
			Succeeded: counts.Succeeded,
			Failed:    counts.Failed,
		},
		Stages: ingress.StageSummary{
			Cards:          health.Cards,
			Pending:        health.Pending,
			Running:        health.Running,
			AwaitingReview: health.AwaitingReview,
			Succeeded:      health.Succeeded,
			Failed:         health.Failed,
		},
	}, false, nil
}

func printStatus(out io.Writer, status ingress.StatusResponse, live bool) {
	running := yesNo(live)
	if isTerminal(out) {
		color := ansiRed
		if live {
			color = ansiGreen
		}
		running = color + running + ansiReset
	}
	fmt.Fprintf(out, "Daemon running: %s\n", running)
	if live {
		fmt.Fprintf(out, "PID: %d\n", status.PID)
		fmt.Fprintf(out, "Started: %s\n", status.StartedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, renderTable(
		[]string{"Queue", "Count"},
		[][]string{
			{titleLabel(string(queue.StateQueued)), strconv.Itoa(status.Queue.Queued)},
			{titleLabel(string(queue.StateRunning)), strconv.Itoa(status.Queue.Running)},
			{titleLabel(string(queue.StateSucceeded)), strconv.Itoa(status.Queue.Succeeded)},
			{titleLabel(string(queue.StateFailed)), strconv.Itoa(status.Queue.Failed)},
		},
		1,
	))

	fmt.Fprintln(out, renderTable(
		[]string{"Stages", "Count"},
		[][]string{
			{"Cards", strconv.Itoa(status.Stages.Cards)},
			{titleLabel(string(store.StatusPending)), strconv.Itoa(status.Stages.Pending)},
			{titleLabel(string(store.StatusRunning)), strconv.Itoa(status.Stages.Running)},
			{titleLabel(string(store.StatusAwaitingReview)), strconv.Itoa(status.Stages.AwaitingReview)},
			{titleLabel(string(store.StatusSucceeded)), strconv.Itoa(status.Stages.Succeeded)},
			{titleLabel(string(store.StatusFailed)), strconv.Itoa(status.Stages.Failed)},
		},
		1,
	))
}

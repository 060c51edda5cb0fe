package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"soundbite/internal/pipeline"
	"soundbite/internal/queue"
	"soundbite/internal/store"
)

func newQueueCommand(cmdCtx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the task queue",
	}
	queueCmd.AddCommand(newQueueListCommand(cmdCtx))
	return queueCmd
}

func newQueueListCommand(cmdCtx *commandContext) *cobra.Command {
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			q, err := queue.New(st.DB())
			if err != nil {
				return fmt.Errorf("open queue: %w", err)
			}

			tasks, err := q.ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if jsonOut {
				return writeTasksJSON(cmd, tasks)
			}

			rows := make([][]string, 0, len(tasks))
			for _, task := range tasks {
				rows = append(rows, []string{
					task.ID,
					task.Type,
					titleLabel(string(task.State)),
					taskCardID(task),
					strconv.Itoa(task.Attempts) + "/" + strconv.Itoa(task.MaxAttempts),
					task.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
					task.LastError,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Type", "State", "Card", "Attempts", "Updated", "Error"},
				rows,
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "Maximum number of tasks to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON")
	return cmd
}

func taskCardID(task *queue.Task) string {
	payload, err := pipeline.DecodePayload(task.Payload)
	if err != nil {
		return ""
	}
	return payload.CardID
}

func writeTasksJSON(cmd *cobra.Command, tasks []*queue.Task) error {
	type jsonTask struct {
		ID        string    `json:"id"`
		Type      string    `json:"type"`
		State     string    `json:"state"`
		CardID    string    `json:"card_id,omitempty"`
		Attempts  int       `json:"attempts"`
		Max       int       `json:"max_attempts"`
		UpdatedAt time.Time `json:"updated_at"`
		LastError string    `json:"last_error,omitempty"`
	}
	out := make([]jsonTask, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, jsonTask{
			ID:        task.ID,
			Type:      task.Type,
			State:     string(task.State),
			CardID:    taskCardID(task),
			Attempts:  task.Attempts,
			Max:       task.MaxAttempts,
			UpdatedAt: task.UpdatedAt,
			LastError: task.LastError,
		})
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"tasks": out})
}

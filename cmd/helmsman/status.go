package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"helmsman/internal/memory"
	"helmsman/internal/state"
	"helmsman/internal/task"
	"helmsman/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace backlog and session state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	helmDir := filepath.Join(workspace, ".helm")

	mem, err := memory.NewStore(filepath.Join(workspace, cfg.Memory.DatabasePath))
	if err != nil {
		return exitf(exitRuntime, "cannot open memory store: %w", err)
	}
	defer mem.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tasks := task.NewManager(mem, helmDir)
	if _, err := tasks.LoadBacklog(ctx); err != nil {
		return exitf(exitRuntime, "cannot load backlog: %w", err)
	}

	var b strings.Builder
	b.WriteString(styleTitle.Render("helmsman status") + "\n\n")

	// Backlog
	statuses := []types.TaskStatus{
		types.TaskPending, types.TaskClaimed, types.TaskInProgress,
		types.TaskCompleted, types.TaskFailed,
	}
	var lines []string
	for _, st := range statuses {
		list, err := tasks.List(ctx, st)
		if err != nil {
			return exitf(exitRuntime, "cannot list tasks: %w", err)
		}
		style := styleMuted
		switch st {
		case types.TaskInProgress, types.TaskClaimed:
			style = styleWarn
		case types.TaskCompleted:
			style = styleOK
		case types.TaskFailed:
			style = styleCrit
		}
		lines = append(lines, fmt.Sprintf("%-12s %s", st, style.Render(fmt.Sprintf("%d", len(list)))))
	}
	b.WriteString(styleBox.Render(styleLabel.Render("Backlog")+"\n"+strings.Join(lines, "\n")) + "\n\n")

	// Session snapshot
	snap, err := state.NewStore(helmDir).Load()
	switch {
	case errors.Is(err, state.ErrNoState):
		b.WriteString(styleMuted.Render("No saved session state.") + "\n")
	case err != nil:
		b.WriteString(styleCrit.Render(fmt.Sprintf("Session state unreadable: %v", err)) + "\n")
	default:
		var sb []string
		sb = append(sb, renderKV("Session", snap.SessionID))
		if snap.TaskID != "" {
			sb = append(sb, renderKV("Task", fmt.Sprintf("%s (%s, iteration %d)", snap.TaskID, snap.Phase, snap.Iteration)))
		}
		sb = append(sb, renderKV("Checkpoint threshold", fmt.Sprintf("%.0f%%", snap.CheckpointThreshold)))
		sb = append(sb, renderKV("Saved", snap.SavedAt.Local().Format(time.RFC1123)))
		if snap.CheckpointSummary != "" {
			sb = append(sb, styleMuted.Render(snap.CheckpointSummary))
		}
		b.WriteString(styleBox.Render(styleLabel.Render("Last session")+"\n"+strings.Join(sb, "\n")) + "\n")
	}

	fmt.Fprintln(cmd.OutOrStdout(), b.String())
	return nil
}

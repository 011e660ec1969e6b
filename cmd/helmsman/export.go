package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"helmsman/internal/memory"
	"helmsman/internal/task"
	"helmsman/internal/types"
)

var (
	exportOut   string
	exportSince time.Duration
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export tasks, orchestrations, usage, and metrics as JSON",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
	exportCmd.Flags().DurationVar(&exportSince, "since", 7*24*time.Hour, "Export window")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mem, err := memory.NewStore(filepath.Join(workspace, cfg.Memory.DatabasePath))
	if err != nil {
		return exitf(exitRuntime, "cannot open memory store: %w", err)
	}
	defer mem.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	since := time.Now().Add(-exportSince)
	until := time.Now()

	tasks := task.NewManager(mem, filepath.Join(workspace, ".helm"))
	if _, err := tasks.LoadBacklog(ctx); err != nil {
		return exitf(exitRuntime, "cannot load backlog: %w", err)
	}
	var allTasks []*types.Task
	for _, st := range []types.TaskStatus{
		types.TaskPending, types.TaskClaimed, types.TaskInProgress,
		types.TaskCompleted, types.TaskFailed,
	} {
		list, err := tasks.List(ctx, st)
		if err != nil {
			return exitf(exitRuntime, "cannot list tasks: %w", err)
		}
		allTasks = append(allTasks, list...)
	}

	orchs, err := mem.QueryOrchestrations(ctx, memory.OrchestrationFilter{Since: since})
	if err != nil {
		return exitf(exitRuntime, "cannot query orchestrations: %w", err)
	}
	usage, err := mem.SumUsage(ctx, memory.UsageFilter{Since: since})
	if err != nil {
		return exitf(exitRuntime, "cannot summarize usage: %w", err)
	}
	daily, err := mem.QueryMetricBuckets(ctx, "daily", "", since, until)
	if err != nil {
		return exitf(exitRuntime, "cannot query metrics: %w", err)
	}

	doc := map[string]any{
		"exported_at":    until.UTC(),
		"window_since":   since.UTC(),
		"tasks":          allTasks,
		"orchestrations": orchs,
		"usage":          usage,
		"metrics_daily":  daily,
	}

	out := cmd.OutOrStdout()
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return exitf(exitRuntime, "cannot create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return exitf(exitRuntime, "export failed: %w", err)
	}
	if exportOut != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d tasks, %d orchestrations to %s\n",
			len(allTasks), len(orchs), exportOut)
	}
	return nil
}

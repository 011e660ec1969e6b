package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"helmsman/internal/memory"
	"helmsman/internal/types"
	"helmsman/internal/usage"
)

var reportSince time.Duration

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize spend, budget headroom, and orchestration outcomes",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().DurationVar(&reportSince, "since", 24*time.Hour, "Reporting window")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mem, err := memory.NewStore(filepath.Join(workspace, cfg.Memory.DatabasePath))
	if err != nil {
		return exitf(exitRuntime, "cannot open memory store: %w", err)
	}
	defer mem.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	since := time.Now().Add(-reportSince)

	var b strings.Builder
	b.WriteString(styleTitle.Render(fmt.Sprintf("helmsman report (last %s)", reportSince)) + "\n\n")

	// Spend
	summary, err := mem.SumUsage(ctx, memory.UsageFilter{Since: since})
	if err != nil {
		return exitf(exitRuntime, "cannot summarize usage: %w", err)
	}
	spend := []string{
		renderKV("Tokens in", fmt.Sprintf("%d", summary.Usage.Input)),
		renderKV("Tokens out", fmt.Sprintf("%d", summary.Usage.Output)),
		renderKV("Cost", fmt.Sprintf("$%.4f", summary.TotalCostUSD)),
		renderKV("Cache savings", styleOK.Render(fmt.Sprintf("$%.4f", summary.CacheSavingsUSD))),
		renderKV("Records", fmt.Sprintf("%d", summary.Records)),
	}
	b.WriteString(styleBox.Render(styleLabel.Render("Spend")+"\n"+strings.Join(spend, "\n")) + "\n\n")

	// Budget headroom
	status, err := usage.NewTracker(mem, cfg.Budget, "").BudgetStatus(ctx)
	if err == nil {
		budget := []string{
			renderKV("Daily", fmt.Sprintf("$%.2f / $%.2f (%s)",
				status.Daily.UsedUSD, status.Daily.LimitUSD, renderPercent(status.Daily.Percent))),
			renderKV("Monthly", fmt.Sprintf("$%.2f / $%.2f (%s)",
				status.Monthly.UsedUSD, status.Monthly.LimitUSD, renderPercent(status.Monthly.Percent))),
		}
		b.WriteString(styleBox.Render(styleLabel.Render("Budget")+"\n"+strings.Join(budget, "\n")) + "\n\n")
	}

	// Orchestration outcomes by pattern
	orchs, err := mem.QueryOrchestrations(ctx, memory.OrchestrationFilter{Since: since})
	if err != nil {
		return exitf(exitRuntime, "cannot query orchestrations: %w", err)
	}
	type tally struct{ total, succeeded int }
	byPattern := map[types.Pattern]*tally{}
	for _, o := range orchs {
		t, ok := byPattern[o.Pattern]
		if !ok {
			t = &tally{}
			byPattern[o.Pattern] = t
		}
		t.total++
		if o.Success {
			t.succeeded++
		}
	}
	patterns := make([]types.Pattern, 0, len(byPattern))
	for p := range byPattern {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i] < patterns[j] })

	var rows []string
	for _, p := range patterns {
		t := byPattern[p]
		rate := 100 * float64(t.succeeded) / float64(t.total)
		rows = append(rows, fmt.Sprintf("%-10s %3d runs  %s success",
			p, t.total, percentStyle(100-rate).Render(fmt.Sprintf("%.0f%%", rate))))
	}
	if len(rows) == 0 {
		rows = append(rows, styleMuted.Render("No orchestrations in window."))
	}
	b.WriteString(styleBox.Render(styleLabel.Render("Orchestrations")+"\n"+strings.Join(rows, "\n")) + "\n")

	fmt.Fprintln(cmd.OutOrStdout(), b.String())
	return nil
}

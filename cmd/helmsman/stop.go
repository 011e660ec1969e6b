package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"helmsman/internal/dashboard"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running instance to wrap up and exit",
	Long: `Contacts the local dashboard API of a running helmsman instance and
requests a graceful stop for every active session. The loop releases its
in-flight task and snapshots state before exiting.`,
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := "http://" + cfg.Dashboard.Addr
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(base + "/api/sessions/summary")
	if err != nil {
		return exitf(exitRuntime, "no running instance at %s: %w", cfg.Dashboard.Addr, err)
	}
	defer resp.Body.Close()

	var summary struct {
		Sessions []dashboard.Session `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return exitf(exitRuntime, "unexpected dashboard response: %w", err)
	}

	stopped := 0
	for _, s := range summary.Sessions {
		if s.Status == "stopped" {
			continue
		}
		resp, err := client.Post(base+"/api/sessions/"+s.ID+"/"+dashboard.ActionEnd, "application/json", nil)
		if err != nil {
			return exitf(exitRuntime, "stop request failed for %s: %w", s.ID, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Fprintf(cmd.OutOrStdout(), "Stopping session %s\n", s.ID)
			stopped++
		}
	}
	if stopped == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No active sessions.")
	}
	return nil
}

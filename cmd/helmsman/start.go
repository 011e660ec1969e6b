package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"helmsman/internal/agent"
	"helmsman/internal/bus"
	"helmsman/internal/checkpoint"
	"helmsman/internal/config"
	"helmsman/internal/dashboard"
	"helmsman/internal/embedding"
	"helmsman/internal/hil"
	"helmsman/internal/hooks"
	"helmsman/internal/limits"
	"helmsman/internal/logging"
	"helmsman/internal/loop"
	"helmsman/internal/memory"
	"helmsman/internal/orchestrator"
	"helmsman/internal/plan"
	"helmsman/internal/quality"
	"helmsman/internal/retrieval"
	"helmsman/internal/state"
	"helmsman/internal/task"
	"helmsman/internal/types"
	"helmsman/internal/usage"
	"helmsman/internal/vector"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the continuous task loop until interrupted",
	Long: `Starts a session over the workspace backlog (.helm/tasks.json) and runs
the loop until the backlog is exhausted or the process is interrupted.
SIGINT and SIGTERM trigger a graceful wrap-up: the in-flight task is
released and state is snapshotted before exit.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	helmDir := filepath.Join(workspace, ".helm")
	if err := os.MkdirAll(helmDir, 0o755); err != nil {
		return exitf(exitRuntime, "cannot create workspace dir: %w", err)
	}
	if err := logging.Initialize(workspace); err != nil {
		return exitf(exitRuntime, "cannot initialize logging: %w", err)
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := "sess-" + uuid.NewString()[:8]
	logger.Info("Starting session", zap.String("session", sessionID), zap.String("workspace", workspace))

	// Storage
	mem, err := memory.NewStore(filepath.Join(workspace, cfg.Memory.DatabasePath))
	if err != nil {
		return exitf(exitRuntime, "cannot open memory store: %w", err)
	}
	defer mem.Close()

	// Vector search and context retrieval
	engine, err := embedding.NewEngine(embeddingConfig(cfg))
	if err != nil {
		return exitf(exitConfig, "cannot create embedding engine: %w", err)
	}
	vstore := vector.NewStore(mem, engine, cfg.Memory)
	hybrid := vector.NewHybrid(vstore, cfg.Memory)
	retriever := retrieval.NewRetriever(mem, hybrid, cfg.Memory)

	// Trackers
	usageTracker := usage.NewTracker(mem, cfg.Budget, sessionID)
	limitsTracker, err := limits.NewTracker(cfg.Limits)
	if err != nil {
		return exitf(exitConfig, "invalid limits configuration: %w", err)
	}

	// Agents
	registry, err := agent.NewRegistry(filepath.Join(workspace, cfg.Agents.AssetsDir))
	if err != nil {
		return exitf(exitRuntime, "cannot load agent assets: %w", err)
	}
	if cfg.Agents.HotReload {
		if err := registry.Watch(); err != nil {
			logger.Warn("Asset hot-reload unavailable", zap.Error(err))
		} else {
			defer registry.Stop()
		}
	}
	runner, err := agent.NewRunner(cfg.Agents, registry)
	if err != nil {
		return exitf(exitConfig, "cannot create agent runner: %w", err)
	}

	// Message bus and lifecycle hooks
	b := bus.New()
	defer b.Close()
	pipeline := hooks.NewPipeline()
	registerStandardHooks(pipeline, usageTracker)

	orch := orchestrator.New(runner, mem, pipeline, b, usageTracker, cfg.Loop)

	// Task backlog
	tasks := task.NewManager(mem, helmDir)
	if n, err := tasks.LoadBacklog(ctx); err != nil {
		logger.Warn("Backlog load failed", zap.Error(err))
	} else {
		logger.Info("Backlog loaded", zap.Int("tasks", n))
	}
	if err := tasks.Watch(ctx, time.Minute); err != nil {
		logger.Warn("Backlog watcher unavailable", zap.Error(err))
	}
	defer tasks.Stop()

	states := state.NewStore(helmDir)
	deps := loop.Deps{
		Tasks:     tasks,
		Orch:      orch,
		Planner:   plan.NewPlanner(cfg.Loop),
		Evaluator: plan.NewEvaluator(cfg.Loop.PlanTieThreshold, b),
		Gates:     quality.NewGates(nil),
		Retriever: retriever,
		Optimizer: checkpoint.NewOptimizer(cfg.Loop),
		Detector:  hil.NewDetector(),
		Usage:     usageTracker,
		Limits:    limitsTracker,
		States:    states,
		Bus:       b,
		Memory:    mem,
		Roster:    rosterFunc(registry),
	}
	lp, err := loop.New(sessionID, deps, cfg.Loop)
	if err != nil {
		return exitf(exitConfig, "cannot assemble loop: %w", err)
	}
	if snap, err := states.Load(); err == nil {
		logger.Info("Restoring previous session state", zap.String("session", snap.SessionID))
		lp.Restore(snap)
	} else if !errors.Is(err, state.ErrNoState) {
		logger.Warn("State restore failed, starting fresh", zap.Error(err))
	}

	// Dashboard
	if cfg.Dashboard.Enabled {
		reg := dashboard.NewRegistry(cfg.Dashboard)
		srv := dashboard.NewServer(cfg.Dashboard, reg, mem, usageTracker, limitsTracker)
		srv.Attach(b)
		srv.ServeLogs(filepath.Join(workspace, ".helm", "logs"))
		if err := srv.Start(); err != nil {
			return exitf(exitRuntime, "cannot start dashboard: %w", err)
		}
		collector := dashboard.NewCollector(reg, mem, cfg.Memory)
		collector.Start(ctx)
		feedMetrics(b, reg, sessionID)
		wireControl(b, stop, lp, sessionID)

		defer func() {
			collector.Stop()
			shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Loop.WrapUpBudget)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				logger.Warn("Dashboard shutdown incomplete", zap.Error(err))
			}
		}()
	}

	err = lp.Run(ctx)
	switch {
	case err == nil:
		if limitsTracker.Status().Overall == limits.TierEmergency {
			logger.Warn("Session wrapped up on message limits", zap.String("session", sessionID))
			return exitf(exitRateLimit, "message limits exhausted; session wrapped up")
		}
		logger.Info("Session ended", zap.String("session", sessionID))
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("Interrupted, session wrapped up", zap.String("session", sessionID))
		return exitf(exitInterrupted, "interrupted")
	default:
		return exitf(exitRuntime, "loop failed: %w", err)
	}
}

// embeddingConfig derives the embedding backend from the agent provider:
// with a Gemini key present the cloud embedder is used, otherwise the
// deterministic local engine keeps vector search available offline.
func embeddingConfig(cfg *config.Config) embedding.Config {
	ecfg := embedding.DefaultConfig()
	if cfg.Agents.Provider == "gemini" && cfg.Agents.APIKey != "" {
		ecfg.Provider = "genai"
		ecfg.GenAIAPIKey = cfg.Agents.APIKey
	}
	return ecfg
}

// rosterFunc selects phase agents from the asset registry, falling back to
// a generalist pair when no definitions match.
func rosterFunc(registry *agent.Registry) func(types.Phase) []string {
	return func(phase types.Phase) []string {
		defs := registry.ListForPhase(phase)
		if len(defs) == 0 {
			return []string{"generalist", "reviewer"}
		}
		names := make([]string, 0, len(defs))
		for _, d := range defs {
			names = append(names, d.Name)
		}
		return names
	}
}

// registerStandardHooks installs the built-in lifecycle hooks: the budget
// gate vetoes orchestrations once a spend window is exhausted, and the audit
// hook records completions.
func registerStandardHooks(p *hooks.Pipeline, tracker *usage.Tracker) {
	p.Register(hooks.BeforeExecution, "budget-gate", 10, func(ctx context.Context, payload hooks.Payload) (hooks.Payload, error) {
		status, err := tracker.BudgetStatus(ctx)
		if err != nil {
			return payload, nil // Budget unknown never blocks work
		}
		if status.Daily.Exceeded || status.Monthly.Exceeded {
			return payload, fmt.Errorf("budget exhausted (daily %.0f%%, monthly %.0f%%)",
				status.Daily.Percent, status.Monthly.Percent)
		}
		return payload, nil
	})
	p.Register(hooks.AfterExecution, "execution-audit", 100, func(ctx context.Context, payload hooks.Payload) (hooks.Payload, error) {
		logging.Hooks("Orchestration %v finished (success %v)",
			payload["orchestration_id"], payload["success"])
		return payload, nil
	})
}

// feedMetrics turns task outcomes into hot-tier metric samples.
func feedMetrics(b *bus.Bus, reg *dashboard.Registry, sessionID string) {
	b.Subscribe(loop.TopicTaskCompleted, func(_ string, payload any) {
		d, ok := payload.(map[string]any)
		if !ok {
			return
		}
		q, _ := d["quality"].(float64)
		reg.RecordSample(memory.MetricSample{SessionID: sessionID, Quality: q, TasksCompleted: 1})
	})
	b.Subscribe(loop.TopicTaskFailed, func(_ string, payload any) {
		reg.RecordSample(memory.MetricSample{SessionID: sessionID, TasksFailed: 1})
	})
}

// wireControl honors dashboard control requests for this session.
func wireControl(b *bus.Bus, stop context.CancelFunc, lp *loop.Loop, sessionID string) {
	b.Subscribe(dashboard.TopicSessionControl, func(_ string, payload any) {
		d, ok := payload.(map[string]any)
		if !ok || d["session_id"] != sessionID {
			return
		}
		action, _ := d["action"].(string)
		logger.Info("Dashboard control", zap.String("session", sessionID), zap.String("action", action))
		switch action {
		case dashboard.ActionPause:
			lp.Pause()
		case dashboard.ActionResume:
			lp.Resume()
		case dashboard.ActionSkipTask:
			lp.SkipTask()
		case dashboard.ActionEnd:
			stop()
		}
	})
}

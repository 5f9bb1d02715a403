package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/agent/adapter"
	"github.com/ralphd/ralph/internal/agent/process"
	"github.com/ralphd/ralph/internal/agent/retry"
	"github.com/ralphd/ralph/internal/common/config"
	"github.com/ralphd/ralph/internal/common/logger"
	"github.com/ralphd/ralph/internal/events/bus"
	"github.com/ralphd/ralph/internal/hub"
	"github.com/ralphd/ralph/internal/orchestrator"
	"github.com/ralphd/ralph/internal/session"
	"github.com/ralphd/ralph/internal/taskstore/beads"
	"github.com/ralphd/ralph/internal/worktree"
	"github.com/ralphd/ralph/pkg/events"
)

// app holds the wired components shared by serve and run.
type app struct {
	cfg    *config.Config
	logger *logger.Logger

	store        *session.Store
	bus          bus.EventBus
	tasks        *beads.Client
	watcher      *beads.Watcher
	worktrees    *worktree.Manager
	orchestrator *orchestrator.Orchestrator
	hub          *hub.Hub
	server       *hub.Server
}

// loadConfig applies CLI flag overrides on top of the loaded configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if jsonLogs, _ := cmd.Flags().GetBool("json"); jsonLogs {
		cfg.Logging.Format = "json"
	}
	if agent, _ := cmd.Flags().GetString("agent"); agent != "" {
		cfg.Agent.Kind = agent
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Agent.Model = model
	}
	if cmd.Flags().Changed("max-workers") {
		cfg.Orchestrator.MaxWorkers, _ = cmd.Flags().GetInt("max-workers")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	return cfg, nil
}

// newApp wires every component from configuration.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)

	workspaceRoot, err := filepath.Abs(cfg.Orchestrator.WorkspaceCwd)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}

	store, err := session.Open(session.DBPath(workspaceRoot), log)
	if err != nil {
		return nil, err
	}
	if _, err := store.FilterNoise(ctx); err != nil {
		log.Warn("noise session eviction failed", zap.Error(err))
	}

	b, err := bus.New(bus.Options{
		URL:           cfg.NATS.URL,
		ClientID:      cfg.NATS.ClientID,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	tasks := beads.NewClient(workspaceRoot, log)
	if !tasks.IsAvailable() {
		log.Warn("bd binary not found on PATH, task queue operations will fail")
	}
	watcher := beads.NewWatcher(tasks, cfg.Tasks.PollIntervalDuration(), log)

	worktrees, err := worktree.NewManager(ctx, workspaceRoot, cfg.Worktree.DefaultBranch, log)
	if err != nil {
		_ = store.Close()
		_ = b.Close()
		return nil, err
	}

	runner := process.NewRunner(log)
	registry := adapter.DefaultRegistry(runner, log)
	agentAdapter, err := registry.Get(cfg.Agent.Kind)
	if err != nil {
		_ = store.Close()
		_ = b.Close()
		return nil, err
	}
	if !agentAdapter.IsAvailable(ctx) {
		log.Warn("agent binary not found on PATH", zap.String("agent", cfg.Agent.Kind))
	}

	retryCfg := retry.Config{
		MaxRetries:   cfg.Agent.MaxRetries,
		InitialDelay: time.Duration(cfg.Agent.InitialDelay) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Agent.MaxDelay) * time.Millisecond,
		Multiplier:   cfg.Agent.BackoffFactor,
	}
	start := func(ctx context.Context, opts adapter.StartOptions) (orchestrator.AgentSession, error) {
		notify := func(ev events.AgentEvent) {
			env := events.NewEnvelope(events.SourceRalph, opts.SessionID, cfg.Orchestrator.WorkspaceID, ev)
			data, err := json.Marshal(env)
			if err != nil {
				return
			}
			_ = b.Publish(ctx, bus.AgentEventSubject(opts.SessionID), data)
		}
		exec := retry.New(retryCfg, log, notify)

		var sess *adapter.Session
		err := exec.Do(ctx, func(ctx context.Context) error {
			var startErr error
			sess, startErr = agentAdapter.Start(ctx, opts)
			return startErr
		})
		if err != nil {
			return nil, err
		}
		return sess, nil
	}

	orch := orchestrator.New(orchestrator.Options{
		MaxWorkers:    cfg.Orchestrator.MaxWorkers,
		WorkspaceID:   cfg.Orchestrator.WorkspaceID,
		WorkspaceRoot: workspaceRoot,
		AgentKind:     cfg.Agent.Kind,
		Model:         cfg.Agent.Model,
		PollInterval:  cfg.Tasks.PollIntervalDuration(),
	}, store, b, tasks, worktrees, start, log)

	h := hub.New(store, b, log)
	h.SetController(orch)
	server := hub.NewServer(cfg.Server, h, store, log)

	return &app{
		cfg:          cfg,
		logger:       log,
		store:        store,
		bus:          b,
		tasks:        tasks,
		watcher:      watcher,
		worktrees:    worktrees,
		orchestrator: orch,
		hub:          h,
		server:       server,
	}, nil
}

func (a *app) close() {
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("error closing event bus", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("error closing session store", zap.Error(err))
	}
}

// signalContext returns a context cancelled by SIGINT or SIGTERM, plus a
// func reporting whether SIGINT was the cause.
func signalContext(parent context.Context) (context.Context, context.CancelFunc, func() bool) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var interrupted bool
	go func() {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGINT {
				interrupted = true
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel, func() bool { return interrupted }
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ralphd/ralph/internal/events/bus"
	"github.com/ralphd/ralph/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [iterations]",
		Short: "Work the task queue headless until it drains",
		Long:  "run works the queue until it drains, or until the given number of worker\niterations have finished. With --watch it keeps polling for new tasks instead.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			iterations := 0
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("%w: iterations must be a positive integer, got %q", errUsage, args[0])
				}
				iterations = n
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if watch, _ := cmd.Flags().GetBool("watch"); watch {
				cfg.Agent.Watch = true
			}

			ctx, cancel, wasInterrupted := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orchestrator.Start(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.hub.Run(gctx) })
			g.Go(func() error { return a.server.ListenAndServe(gctx) })
			g.Go(func() error { return a.orchestrator.Run(gctx) })
			g.Go(func() error {
				a.watcher.Run(gctx)
				return nil
			})
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-a.watcher.Changes():
						a.orchestrator.Wake()
					}
				}
			})
			if iterations > 0 {
				g.Go(func() error {
					if err := a.waitForIterations(gctx, iterations); err != nil {
						return err
					}
					cancel()
					return nil
				})
			} else if !cfg.Agent.Watch {
				g.Go(func() error {
					a.waitForDrain(gctx)
					cancel()
					return nil
				})
			}

			err = g.Wait()
			if wasInterrupted() {
				return errInterrupted
			}
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("agent", "", "agent kind (claude, codex)")
	cmd.Flags().String("model", "", "model override for the agent")
	cmd.Flags().Int("max-workers", 0, "maximum concurrent workers")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Bool("watch", false, "keep running and pick up new tasks as they arrive")
	return cmd
}

// waitForIterations returns once n workers have finished, counted from the
// orchestrator's lifecycle stream.
func (a *app) waitForIterations(ctx context.Context, n int) error {
	done := make(chan struct{}, n)
	sub, err := a.bus.Subscribe(ctx, bus.SubjectLifecycle, func(_ string, data []byte) {
		var ev orchestrator.LifecycleEvent
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		if ev.Type == orchestrator.LifecycleWorkerStopped {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	finished := 0
	for finished < n {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			finished++
		}
	}
	a.logger.Info("iteration count reached, shutting down", zap.Int("iterations", n))
	return nil
}

// waitForDrain returns once the queue is empty and all workers have
// finished. A short settle delay avoids quitting between a task closing and
// the next admission pass.
func (a *app) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	idleSince := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, _ := a.orchestrator.Snapshot().(orchestrator.StatusSnapshot)
		if len(snap.Workers) > 0 {
			idleSince = time.Time{}
			continue
		}
		ready, err := a.tasks.ReadyCount(ctx)
		if err != nil || ready > 0 {
			idleSince = time.Time{}
			continue
		}

		if idleSince.IsZero() {
			idleSince = time.Now()
			continue
		}
		if time.Since(idleSince) >= 4*time.Second {
			a.logger.Info("task queue drained, shutting down")
			return
		}
	}
}

package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server with the orchestrator idle until started",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel, wasInterrupted := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			autoStart, _ := cmd.Flags().GetBool("start")
			if autoStart {
				if err := a.orchestrator.Start(ctx); err != nil {
					return err
				}
			}

			err = runServices(ctx, a)
			if wasInterrupted() {
				return errInterrupted
			}
			return err
		},
	}

	cmd.Flags().String("agent", "", "agent kind (claude, codex)")
	cmd.Flags().String("model", "", "model override for the agent")
	cmd.Flags().Int("max-workers", 0, "maximum concurrent workers")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Bool("start", false, "start the orchestrator immediately")
	return cmd
}

// runServices runs the hub, HTTP server, orchestrator loop and task watcher
// until ctx is done.
func runServices(ctx context.Context, a *app) error {
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

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

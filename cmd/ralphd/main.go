// ralphd drives autonomous coding agents against a beads task queue, one
// isolated git worktree per worker, and streams their events to websocket
// observers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitInterrupted = 130
)

// errInterrupted marks a run ended by SIGINT.
var errInterrupted = errors.New("interrupted")

// errUsage marks invalid command arguments.
var errUsage = errors.New("invalid arguments")

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		switch {
		case errors.Is(err, errInterrupted):
			os.Exit(exitInterrupted)
		case errors.Is(err, errUsage):
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUsage)
		default:
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitError)
		}
	}
	os.Exit(exitOK)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ralphd",
		Short:         "Multi-worker orchestrator for autonomous coding agents",
		Long:          "ralphd pulls ready tasks from a beads queue, runs one coding agent per task\nin an isolated git worktree, and merges finished work back to the default branch.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "config file directory")
	cmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("json", false, "force JSON log output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newReplayCmd())

	// Usage errors exit 2 instead of the generic failure code.
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		fmt.Fprintln(os.Stderr, err)
		_ = c.Usage()
		os.Exit(exitUsage)
		return nil
	})
	return cmd
}

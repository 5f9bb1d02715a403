package adapter

import (
	"context"
	"os/exec"

	"github.com/ralphd/ralph/internal/agent/process"
	"github.com/ralphd/ralph/internal/common/logger"
)

// CodexAdapter drives the codex CLI. Codex has no process-level pause, so
// the adapter advertises PauseResume false and Pause/Resume return
// ErrUnsupported.
type CodexAdapter struct {
	runner *process.Runner
	logger *logger.Logger
	binary string
}

// NewCodexAdapter creates the codex adapter.
func NewCodexAdapter(runner *process.Runner, log *logger.Logger) *CodexAdapter {
	if log == nil {
		log = logger.Default()
	}
	return &CodexAdapter{runner: runner, logger: log, binary: "codex"}
}

// Info implements Adapter.
func (a *CodexAdapter) Info() Info {
	return Info{
		ID:   "codex",
		Name: "Codex CLI",
		Features: Features{
			Streaming:    true,
			Tools:        true,
			PauseResume:  false,
			SystemPrompt: false,
		},
	}
}

// IsAvailable implements Adapter.
func (a *CodexAdapter) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

// Start implements Adapter.
func (a *CodexAdapter) Start(_ context.Context, opts StartOptions) (*Session, error) {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	handle, err := a.runner.Start(process.Spec{
		Command: a.binary,
		Args:    args,
		Dir:     opts.Workdir,
		Env:     opts.Env,
	})
	if err != nil {
		return nil, err
	}
	return newSession(opts.SessionID, a.Info(), handle, opts.Prompt, a.logger)
}

package adapter

import (
	"context"
	"os/exec"

	"github.com/ralphd/ralph/internal/agent/process"
	"github.com/ralphd/ralph/internal/common/logger"
)

// ClaudeAdapter drives the claude CLI in stream-json mode.
type ClaudeAdapter struct {
	runner *process.Runner
	logger *logger.Logger

	// binary overrides the executable name, used by tests and the mock agent.
	binary string
}

// NewClaudeAdapter creates the claude adapter.
func NewClaudeAdapter(runner *process.Runner, log *logger.Logger) *ClaudeAdapter {
	if log == nil {
		log = logger.Default()
	}
	return &ClaudeAdapter{runner: runner, logger: log, binary: "claude"}
}

// NewClaudeAdapterWithBinary creates the adapter against an alternate
// executable speaking the same wire protocol.
func NewClaudeAdapterWithBinary(runner *process.Runner, log *logger.Logger, binary string) *ClaudeAdapter {
	a := NewClaudeAdapter(runner, log)
	a.binary = binary
	return a
}

// Info implements Adapter.
func (a *ClaudeAdapter) Info() Info {
	return Info{
		ID:   "claude",
		Name: "Claude Code",
		Features: Features{
			Streaming:    true,
			Tools:        true,
			PauseResume:  true,
			SystemPrompt: true,
		},
	}
}

// IsAvailable implements Adapter.
func (a *ClaudeAdapter) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

// Start implements Adapter. The initial prompt goes over stdin so the
// subprocess stays interactive for follow-up turns.
func (a *ClaudeAdapter) Start(_ context.Context, opts StartOptions) (*Session, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
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

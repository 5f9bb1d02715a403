package adapter

import (
	"github.com/ralphd/ralph/internal/agent/process"
	"github.com/ralphd/ralph/internal/common/logger"
)

// DefaultRegistry returns a registry with the built-in adapters.
func DefaultRegistry(runner *process.Runner, log *logger.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewClaudeAdapter(runner, log))
	r.Register(NewCodexAdapter(runner, log))
	return r
}

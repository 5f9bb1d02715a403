// Package adapter bridges concrete coding agents to the canonical event
// model. Each adapter knows how to spawn its agent binary, speak its wire
// protocol, and translate the output into events.AgentEvent values.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ralphd/ralph/pkg/events"
)

// Features advertises optional adapter capabilities. Callers must check a
// feature before invoking the corresponding session operation.
type Features struct {
	Streaming    bool `json:"streaming"`
	Tools        bool `json:"tools"`
	PauseResume  bool `json:"pauseResume"`
	SystemPrompt bool `json:"systemPrompt"`
}

// Info identifies an adapter.
type Info struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Features Features `json:"features"`
}

// StartOptions configures a new agent session.
type StartOptions struct {
	SessionID    string
	Workdir      string
	Prompt       string
	Model        string
	SystemPrompt string
	Env          map[string]string
}

// Adapter creates sessions for one agent kind.
type Adapter interface {
	Info() Info
	// IsAvailable reports whether the agent binary can be found.
	IsAvailable(ctx context.Context) bool
	// Start spawns the agent and begins the first turn.
	Start(ctx context.Context, opts StartOptions) (*Session, error)
}

// ErrUnsupported is returned for operations the adapter's feature set does
// not cover.
type ErrUnsupported struct {
	Op      string
	Adapter string
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("operation %q is not supported by adapter %q", e.Op, e.Adapter)
}

// InvalidTransitionError reports a session control call that is not legal
// from the current state.
type InvalidTransitionError struct {
	From events.SessionStatus
	Op   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %q", e.Op, e.From)
}

// Registry holds the known adapters keyed by id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Later registrations with the same id win.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Info().ID] = a
}

// Get returns the adapter for the given id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent kind %q", id)
	}
	return a, nil
}

// List returns adapter infos sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.adapters))
	for _, a := range r.adapters {
		infos = append(infos, a.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

package orchestrator

import (
	"errors"
	"sync"
)

// workerNames is the fixed dictionary worker names are drawn from. Names
// appear in branch names and worktree paths, so they stay short, lowercase
// and filesystem-safe.
var workerNames = []string{
	"homer", "marge", "bart", "lisa", "maggie",
	"abe", "ned", "moe", "barney", "lenny",
	"carl", "milhouse", "nelson", "ralph", "apu",
	"krusty", "otto", "seymour", "edna", "willie",
}

// ErrNamesExhausted is returned when every worker name is in use.
var ErrNamesExhausted = errors.New("all worker names are in use")

// NamePool hands out worker names. A name stays unavailable until released,
// so concurrent workers never collide on branches or paths.
type NamePool struct {
	mu    sync.Mutex
	inUse map[string]bool
}

// NewNamePool creates a pool over the standard dictionary.
func NewNamePool() *NamePool {
	return &NamePool{inUse: make(map[string]bool)}
}

// Acquire reserves the first free name in dictionary order.
func (p *NamePool) Acquire() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range workerNames {
		if !p.inUse[name] {
			p.inUse[name] = true
			return name, nil
		}
	}
	return "", ErrNamesExhausted
}

// Release returns a name to the pool. Releasing an unreserved name is a
// no-op.
func (p *NamePool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, name)
}

// InUse returns the reserved names.
func (p *NamePool) InUse() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.inUse))
	for _, name := range workerNames {
		if p.inUse[name] {
			names = append(names, name)
		}
	}
	return names
}

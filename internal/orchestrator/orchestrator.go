// Package orchestrator runs the worker admission loop: it draws ready tasks
// from the task store, assigns each to a named worker in an isolated git
// worktree, drives an agent session against it, and merges the results back
// when the worker finishes.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ralphd/ralph/internal/agent/adapter"
	"github.com/ralphd/ralph/internal/common/logger"
	"github.com/ralphd/ralph/internal/events/bus"
	"github.com/ralphd/ralph/internal/session"
	"github.com/ralphd/ralph/internal/taskstore/beads"
	"github.com/ralphd/ralph/internal/worktree"
	"github.com/ralphd/ralph/pkg/events"
)

// State is the orchestrator's own lifecycle state.
type State string

const (
	StateStopped             State = "stopped"
	StateRunning             State = "running"
	StateStoppingAfterTasks  State = "stopping-after-current"
	StateStopping            State = "stopping"
)

// AgentSession is the slice of adapter.Session the orchestrator drives.
type AgentSession interface {
	ID() string
	Status() events.SessionStatus
	Events() <-chan events.AgentEvent
	Exited() <-chan struct{}
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
	StopAfterCurrent(ctx context.Context) error
}

// SessionStarter spawns one agent session.
type SessionStarter func(ctx context.Context, opts adapter.StartOptions) (AgentSession, error)

// WorktreeOps is the slice of the worktree manager the orchestrator needs.
type WorktreeOps interface {
	Create(ctx context.Context, workerName, taskID string) (string, error)
	CommitCount(ctx context.Context, workerName, taskID string) (int, error)
	Merge(ctx context.Context, workerName, taskID string) error
	Remove(ctx context.Context, workerName, taskID string, deleteBranch bool) error
}

// Options configures the orchestrator.
type Options struct {
	MaxWorkers    int
	WorkspaceID   string
	WorkspaceRoot string
	AgentKind     string
	Model         string
	PollInterval  time.Duration
}

type worker struct {
	name      string
	taskID    string
	sessionID string
	sess      AgentSession
}

// Orchestrator coordinates workers. All state mutation happens under mu;
// long operations (stopping sessions, git) run outside it.
type Orchestrator struct {
	opts   Options
	logger *logger.Logger

	store     *session.Store
	bus       bus.EventBus
	tasks     beads.TaskStore
	worktrees WorktreeOps
	start     SessionStarter
	names     *NamePool

	mu      sync.Mutex
	state   State
	workers map[string]*worker

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates an orchestrator. It starts in the stopped state; call Start
// to begin admitting workers.
func New(opts Options, store *session.Store, b bus.EventBus, tasks beads.TaskStore,
	worktrees WorktreeOps, start SessionStarter, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	return &Orchestrator{
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		store:     store,
		bus:       b,
		tasks:     tasks,
		worktrees: worktrees,
		start:     start,
		names:     NewNamePool(),
		state:     StateStopped,
		workers:   make(map[string]*worker),
		wake:      make(chan struct{}, 1),
	}
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run drives the admission loop until ctx is done, then stops all workers.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := o.Stop(stopCtx)
			cancel()
			return err
		case <-o.wake:
		case <-ticker.C:
		}
		o.admit(ctx)
	}
}

// Wake nudges the admission loop, e.g. when the task watcher observes new
// ready tasks.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// admit spawns workers while there is both capacity and ready work, keeping
// the active count at min(maxWorkers, available tasks). Claimed tasks leave
// the ready queue, so each pass re-reads the count.
func (o *Orchestrator) admit(ctx context.Context) {
	for {
		o.mu.Lock()
		if o.state != StateRunning {
			o.mu.Unlock()
			return
		}
		active := len(o.workers)
		o.mu.Unlock()

		if active >= o.opts.MaxWorkers {
			return
		}
		ready, err := o.tasks.ReadyCount(ctx)
		if err != nil {
			o.logger.Warn("cannot read task queue", zap.Error(err))
			return
		}
		if ready == 0 {
			return
		}
		if !o.spawnWorker(ctx) {
			return
		}
	}
}

// spawnWorker claims one task and starts a worker for it. Returns false when
// no worker could be started.
func (o *Orchestrator) spawnWorker(ctx context.Context) bool {
	name, err := o.names.Acquire()
	if err != nil {
		o.logger.Warn("no worker names available")
		return false
	}

	task, err := o.tasks.NextReadyTask(ctx)
	if err != nil || task == nil {
		o.names.Release(name)
		if err != nil {
			o.logger.Warn("cannot fetch next task", zap.Error(err))
		}
		return false
	}

	log := o.logger.WithWorker(name).WithFields(zap.String("task", task.ID))

	if err := o.tasks.Claim(ctx, task.ID, name); err != nil {
		o.names.Release(name)
		log.Warn("failed to claim task", zap.Error(err))
		return false
	}

	wtPath, err := o.worktrees.Create(ctx, name, task.ID)
	if err != nil {
		log.Error("failed to create worktree", zap.Error(err))
		_ = o.tasks.Release(ctx, task.ID)
		o.names.Release(name)
		o.publishLifecycle(LifecycleEvent{Type: LifecycleError, Worker: name, TaskID: task.ID, Message: err.Error()})
		return false
	}

	sessionID := uuid.NewString()
	if err := o.store.CreateSession(ctx, &session.Session{
		ID:          sessionID,
		Source:      events.SourceRalph,
		WorkspaceID: o.opts.WorkspaceID,
		TaskID:      task.ID,
		WorkerName:  name,
		AgentKind:   o.opts.AgentKind,
		Status:      events.StatusStarting,
	}); err != nil {
		log.Error("failed to create session record", zap.Error(err))
		o.releaseFailedSpawn(ctx, name, task.ID)
		return false
	}

	sess, err := o.start(ctx, adapter.StartOptions{
		SessionID: sessionID,
		Workdir:   wtPath,
		Prompt:    task.Prompt(),
		Model:     o.opts.Model,
	})
	if err != nil {
		log.Error("failed to start agent", zap.Error(err))
		o.failSession(ctx, sessionID, "failed to start agent: "+err.Error())
		o.releaseFailedSpawn(ctx, name, task.ID)
		o.publishLifecycle(LifecycleEvent{Type: LifecycleError, Worker: name, TaskID: task.ID, SessionID: sessionID, Message: err.Error()})
		return false
	}

	w := &worker{name: name, taskID: task.ID, sessionID: sessionID, sess: sess}
	o.mu.Lock()
	o.workers[name] = w
	o.mu.Unlock()

	log.Info("worker started", zap.String("session_id", sessionID), zap.String("worktree", wtPath))
	o.publishLifecycle(LifecycleEvent{Type: LifecycleSessionCreated, Worker: name, TaskID: task.ID, SessionID: sessionID})
	o.publishLifecycle(LifecycleEvent{Type: LifecycleWorkerStarted, Worker: name, TaskID: task.ID, SessionID: sessionID})
	o.publishLifecycle(LifecycleEvent{Type: LifecycleWorkStarted, Worker: name, TaskID: task.ID, SessionID: sessionID})

	o.wg.Add(1)
	go o.runWorker(w, log)
	return true
}

// failSession marks a session failed and puts the fatal error on its event
// stream, so observers of the session see why it never produced output.
func (o *Orchestrator) failSession(ctx context.Context, sessionID, message string) {
	env := events.NewEnvelope(events.SourceRalph, sessionID, o.opts.WorkspaceID,
		events.NewError(message, "SPAWN_FAILED", true))
	stored, err := o.store.AppendEvent(ctx, env)
	if err != nil {
		o.logger.Warn("failed to persist spawn failure event", zap.Error(err))
		stored = env
	}
	_ = o.store.UpdateStatus(ctx, sessionID, events.StatusError)
	if data, err := json.Marshal(stored); err == nil {
		if err := o.bus.Publish(ctx, bus.AgentEventSubject(sessionID), data); err != nil {
			o.logger.Warn("failed to publish spawn failure event", zap.Error(err))
		}
	}
}

func (o *Orchestrator) releaseFailedSpawn(ctx context.Context, name, taskID string) {
	if err := o.worktrees.Remove(ctx, name, taskID, true); err != nil {
		o.logger.Warn("failed to remove worktree after spawn failure", zap.Error(err))
	}
	_ = o.tasks.Release(ctx, taskID)
	o.names.Release(name)
}

// runWorker pipes the session's events into the store and bus, then cleans
// up after the session ends.
func (o *Orchestrator) runWorker(w *worker, log *logger.Logger) {
	defer o.wg.Done()

	ctx := context.Background()
	for ev := range w.sess.Events() {
		env := events.NewEnvelope(events.SourceRalph, w.sessionID, o.opts.WorkspaceID, ev)
		stored, err := o.store.AppendEvent(ctx, env)
		if err != nil {
			log.Error("failed to persist event", zap.Error(err))
			stored = env
		}
		if ev.Type == events.TypeStatus {
			_ = o.store.UpdateStatus(ctx, w.sessionID, ev.Status)
		}
		if data, err := json.Marshal(stored); err == nil {
			if err := o.bus.Publish(ctx, bus.AgentEventSubject(w.sessionID), data); err != nil {
				log.Warn("failed to publish event", zap.Error(err))
			}
		}
	}
	<-w.sess.Exited()

	o.finishWorker(ctx, w, log)
}

// finishWorker merges or discards the worker's branch, settles the task,
// and releases the worker's name.
func (o *Orchestrator) finishWorker(ctx context.Context, w *worker, log *logger.Logger) {
	final := w.sess.Status()
	reason := ReasonStopped

	switch final {
	case events.StatusStopped:
		reason = o.settleWork(ctx, w, log)
	default:
		// Agent failed; keep the worktree for inspection and put the task
		// back in the queue.
		reason = ReasonAgentError
		if err := o.tasks.Release(ctx, w.taskID); err != nil {
			log.Warn("failed to release task", zap.Error(err))
		}
		o.publishLifecycle(LifecycleEvent{
			Type: LifecycleError, Worker: w.name, TaskID: w.taskID,
			SessionID: w.sessionID, Message: "agent session failed",
		})
	}

	o.writeSnapshot(ctx, w)

	o.mu.Lock()
	delete(o.workers, w.name)
	remaining := len(o.workers)
	drained := o.state == StateStoppingAfterTasks && remaining == 0
	if drained {
		o.state = StateStopped
	}
	o.mu.Unlock()

	o.names.Release(w.name)
	log.Info("worker finished", zap.String("reason", reason))
	o.publishLifecycle(LifecycleEvent{
		Type: LifecycleWorkerStopped, Worker: w.name, TaskID: w.taskID,
		SessionID: w.sessionID, Reason: reason,
	})
	if drained {
		o.publishLifecycle(LifecycleEvent{Type: LifecycleStateChanged, State: string(StateStopped)})
	}
	o.Wake()
}

// settleWork handles a cleanly finished worker: discard empty branches,
// merge real work, close the task on success.
func (o *Orchestrator) settleWork(ctx context.Context, w *worker, log *logger.Logger) string {
	n, err := o.worktrees.CommitCount(ctx, w.name, w.taskID)
	if err != nil {
		log.Error("cannot inspect branch", zap.Error(err))
		_ = o.tasks.Release(ctx, w.taskID)
		return ReasonAgentError
	}

	if n == 0 {
		log.Info("no commits produced, discarding branch")
		if err := o.worktrees.Remove(ctx, w.name, w.taskID, true); err != nil {
			log.Warn("failed to remove worktree", zap.Error(err))
		}
		_ = o.tasks.Release(ctx, w.taskID)
		return ReasonNoCommits
	}

	if err := o.worktrees.Merge(ctx, w.name, w.taskID); err != nil {
		if worktree.IsMergeConflict(err) {
			// Leave the worktree and the in-progress merge for a human.
			log.Warn("merge conflict, leaving worktree in place", zap.Error(err))
			o.publishLifecycle(LifecycleEvent{
				Type: LifecycleError, Worker: w.name, TaskID: w.taskID,
				SessionID: w.sessionID, Message: err.Error(),
			})
			return ReasonMergeConflict
		}
		log.Error("merge failed", zap.Error(err))
		_ = o.tasks.Release(ctx, w.taskID)
		return ReasonAgentError
	}

	if err := o.tasks.Close(ctx, w.taskID, "completed"); err != nil {
		log.Warn("merged but failed to close task", zap.Error(err))
	}
	if err := o.worktrees.Remove(ctx, w.name, w.taskID, true); err != nil {
		log.Warn("failed to remove merged worktree", zap.Error(err))
	}
	o.publishLifecycle(LifecycleEvent{
		Type: LifecycleWorkCompleted, Worker: w.name, TaskID: w.taskID, SessionID: w.sessionID,
	})
	return ReasonCompleted
}

// writeSnapshot records the session's final state under .ralph/sessions/.
func (o *Orchestrator) writeSnapshot(ctx context.Context, w *worker) {
	sess, err := o.store.GetSession(ctx, w.sessionID)
	if err != nil {
		return
	}
	snap := &session.Snapshot{Session: sess}
	if evs, err := o.store.GetEventsSince(ctx, w.sessionID, -1); err == nil {
		for _, env := range evs {
			if raw, err := json.Marshal(env); err == nil {
				snap.Recent = append(snap.Recent, raw)
			}
		}
	}
	if err := session.WriteSnapshot(o.opts.WorkspaceRoot, snap); err != nil {
		o.logger.Warn("failed to write session snapshot", zap.Error(err))
	}
}

// Start begins admitting workers.
func (o *Orchestrator) Start(context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateRunning:
		o.mu.Unlock()
		return nil
	case StateStopping:
		o.mu.Unlock()
		return errors.New("orchestrator is stopping")
	}
	o.state = StateRunning
	o.mu.Unlock()

	o.publishLifecycle(LifecycleEvent{Type: LifecycleStateChanged, State: string(StateRunning)})
	o.Wake()
	return nil
}

// Stop stops every worker immediately and waits for them to finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopping
	sessions := make([]AgentSession, 0, len(o.workers))
	for _, w := range o.workers {
		sessions = append(sessions, w.sess)
	}
	o.mu.Unlock()

	o.publishLifecycle(LifecycleEvent{Type: LifecycleStateChanged, State: string(StateStopping)})

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error { return sess.Stop(gctx) })
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	o.state = StateStopped
	o.mu.Unlock()
	o.publishLifecycle(LifecycleEvent{Type: LifecycleStateChanged, State: string(StateStopped)})
	return err
}

// StopAfterCurrent stops admitting new workers and lets the active ones
// finish their current tasks.
func (o *Orchestrator) StopAfterCurrent(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return fmt.Errorf("cannot defer stop from state %q", o.state)
	}
	if len(o.workers) == 0 {
		o.state = StateStopped
		o.mu.Unlock()
		o.publishLifecycle(LifecycleEvent{Type: LifecycleStateChanged, State: string(StateStopped)})
		return nil
	}
	o.state = StateStoppingAfterTasks
	sessions := make([]AgentSession, 0, len(o.workers))
	for _, w := range o.workers {
		sessions = append(sessions, w.sess)
	}
	o.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.StopAfterCurrent(ctx); err != nil {
			o.logger.Warn("failed to defer session stop", zap.Error(err))
		}
	}
	o.publishLifecycle(LifecycleEvent{Type: LifecycleStateChanged, State: string(StateStoppingAfterTasks)})
	return nil
}

// CancelStopAfterCurrent resumes normal admission after a deferred stop.
func (o *Orchestrator) CancelStopAfterCurrent(context.Context) error {
	o.mu.Lock()
	if o.state != StateStoppingAfterTasks {
		o.mu.Unlock()
		return fmt.Errorf("no deferred stop to cancel in state %q", o.state)
	}
	o.state = StateRunning
	sessions := make([]AgentSession, 0, len(o.workers))
	for _, w := range o.workers {
		sessions = append(sessions, w.sess)
	}
	o.mu.Unlock()

	for _, sess := range sessions {
		if s, ok := sess.(interface{ CancelStopAfterCurrent() error }); ok {
			_ = s.CancelStopAfterCurrent()
		}
	}
	o.publishLifecycle(LifecycleEvent{Type: LifecycleStateChanged, State: string(StateRunning)})
	o.Wake()
	return nil
}

func (o *Orchestrator) lookupWorker(name string) (*worker, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[name]
	if !ok {
		return nil, fmt.Errorf("no active worker named %q", name)
	}
	return w, nil
}

// PauseWorker suspends one worker's agent.
func (o *Orchestrator) PauseWorker(_ context.Context, name string) error {
	w, err := o.lookupWorker(name)
	if err != nil {
		return err
	}
	if err := w.sess.Pause(); err != nil {
		return err
	}
	o.publishLifecycle(LifecycleEvent{Type: LifecycleWorkerPaused, Worker: name, TaskID: w.taskID, SessionID: w.sessionID})
	return nil
}

// ResumeWorker resumes a paused worker.
func (o *Orchestrator) ResumeWorker(_ context.Context, name string) error {
	w, err := o.lookupWorker(name)
	if err != nil {
		return err
	}
	if err := w.sess.Resume(); err != nil {
		return err
	}
	o.publishLifecycle(LifecycleEvent{Type: LifecycleWorkerResumed, Worker: name, TaskID: w.taskID, SessionID: w.sessionID})
	return nil
}

// StopWorker stops one worker immediately.
func (o *Orchestrator) StopWorker(ctx context.Context, name string) error {
	w, err := o.lookupWorker(name)
	if err != nil {
		return err
	}
	return w.sess.Stop(ctx)
}

// WorkerStatus is one entry in a status snapshot.
type WorkerStatus struct {
	Name      string               `json:"name"`
	TaskID    string               `json:"taskId"`
	SessionID string               `json:"sessionId"`
	Status    events.SessionStatus `json:"status"`
}

// StatusSnapshot is the orchestrator state reported to observers.
type StatusSnapshot struct {
	State      State          `json:"state"`
	MaxWorkers int            `json:"maxWorkers"`
	Workers    []WorkerStatus `json:"workers"`
}

// Snapshot implements the hub's controller interface.
func (o *Orchestrator) Snapshot() any {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := StatusSnapshot{State: o.state, MaxWorkers: o.opts.MaxWorkers}
	for _, w := range o.workers {
		snap.Workers = append(snap.Workers, WorkerStatus{
			Name:      w.name,
			TaskID:    w.taskID,
			SessionID: w.sessionID,
			Status:    w.sess.Status(),
		})
	}
	return snap
}

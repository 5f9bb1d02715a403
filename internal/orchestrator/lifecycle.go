package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/ralphd/ralph/internal/events/bus"
	"github.com/ralphd/ralph/pkg/events"
)

// Lifecycle event types published on the orchestrator subject.
const (
	LifecycleStateChanged   = "state_changed"
	LifecycleWorkerStarted  = "worker_started"
	LifecycleWorkerStopped  = "worker_stopped"
	LifecycleWorkerPaused   = "worker_paused"
	LifecycleWorkerResumed  = "worker_resumed"
	LifecycleWorkStarted    = "work_started"
	LifecycleWorkCompleted  = "work_completed"
	LifecycleSessionCreated = "session_created"
	LifecycleError          = "error"
)

// Worker stop reasons.
const (
	ReasonCompleted     = "completed"
	ReasonNoCommits     = "no_commits"
	ReasonMergeConflict = "merge_conflict"
	ReasonAgentError    = "agent_error"
	ReasonStopped       = "stopped"
)

// LifecycleEvent describes one orchestrator state change for observers.
type LifecycleEvent struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Worker    string `json:"worker,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// publishLifecycle emits one lifecycle event on the bus. Failures are logged
// and otherwise ignored; lifecycle events are advisory.
func (o *Orchestrator) publishLifecycle(ev LifecycleEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = events.NowMillis()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := o.bus.Publish(context.Background(), bus.SubjectLifecycle, data); err != nil {
		o.logger.Warn("failed to publish lifecycle event")
	}
}

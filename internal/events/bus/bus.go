// Package bus provides the internal publish/subscribe fabric connecting the
// orchestrator, adapters and the websocket hub. Subjects follow NATS
// conventions; the in-memory backend is the default and a real NATS server
// can be swapped in by configuration.
package bus

import "context"

// Subjects published on the bus.
const (
	// SubjectAgentEventPrefix carries persisted agent event envelopes, one
	// subject per session: agent.event.<sessionID>.
	SubjectAgentEventPrefix = "agent.event."
	// SubjectAgentEventAll matches every agent event subject.
	SubjectAgentEventAll = "agent.event.>"
	// SubjectLifecycle carries orchestrator lifecycle events.
	SubjectLifecycle = "orchestrator.lifecycle"
)

// AgentEventSubject returns the subject for one session's events.
func AgentEventSubject(sessionID string) string {
	return SubjectAgentEventPrefix + sessionID
}

// Handler receives messages for a subscription.
type Handler func(subject string, data []byte)

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// EventBus is the publish/subscribe interface. Subjects are dot-separated
// tokens; subscriptions may use the * (one token) and > (tail) wildcards.
type EventBus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)
	Close() error
}

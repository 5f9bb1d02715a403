package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/logger"
)

// NATSBus is the EventBus backend over a real NATS server, for running
// multiple orchestrator processes against one observer fleet.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// Options configures the NATS backend. An empty URL selects the in-memory
// bus instead.
type Options struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// NewNATSBus connects to the NATS server described by opts.
func NewNATSBus(opts Options, log *logger.Logger) (*NATSBus, error) {
	if log == nil {
		log = logger.Default()
	}
	name := opts.ClientID
	if name == "" {
		name = "ralph"
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.MaxReconnects(opts.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", opts.URL, err)
	}
	return &NATSBus{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "event-bus"), zap.String("backend", "nats")),
	}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Publish implements EventBus.
func (b *NATSBus) Publish(_ context.Context, subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe implements EventBus.
func (b *NATSBus) Subscribe(_ context.Context, pattern string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close implements EventBus.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

// New returns the configured backend: NATS when a URL is set, otherwise the
// in-memory bus.
func New(opts Options, log *logger.Logger) (EventBus, error) {
	if opts.URL == "" {
		return NewMemoryBus(log), nil
	}
	return NewNATSBus(opts, log)
}

package beads

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/logger"
)

// Watcher polls the task store and notifies when the ready count changes.
// The orchestrator uses it to wake up when new work arrives.
type Watcher struct {
	store    TaskStore
	interval time.Duration
	logger   *logger.Logger

	notify chan int
}

// NewWatcher creates a watcher polling at the given interval.
func NewWatcher(store TaskStore, interval time.Duration, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		store:    store,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "task-watcher")),
		notify:   make(chan int, 1),
	}
}

// Changes delivers the new ready count whenever it differs from the last
// observation. The channel is never closed while Run is active.
func (w *Watcher) Changes() <-chan int {
	return w.notify
}

// Run polls until ctx is done. Poll failures are logged and retried on the
// next tick.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := -1
	poll := func() {
		count, err := w.store.ReadyCount(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("ready count poll failed", zap.Error(err))
			}
			return
		}
		if count == last {
			return
		}
		last = count
		select {
		case w.notify <- count:
		default:
			// Pending notification not yet consumed; drop the older value.
			select {
			case <-w.notify:
			default:
			}
			w.notify <- count
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

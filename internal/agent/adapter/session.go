package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/agent/process"
	"github.com/ralphd/ralph/internal/common/logger"
	"github.com/ralphd/ralph/pkg/agentwire"
	"github.com/ralphd/ralph/pkg/events"
)

// stopGrace matches the runner's SIGTERM to SIGKILL escalation window.
const stopGrace = 2 * time.Second

// Session is one running agent subprocess plus its canonical event stream.
// Control methods are safe for concurrent use; the event channel has a
// single logical consumer.
type Session struct {
	id     string
	info   Info
	logger *logger.Logger
	handle *process.Handle

	mu            sync.Mutex
	status        events.SessionStatus
	inTurn        bool
	stopRequested bool
	stopAfterTurn bool
	queued        []string

	tr     *translator
	out    chan events.AgentEvent
	exited chan struct{}
}

// newSession wraps a spawned handle and starts the event pump. The initial
// prompt is written to the agent's stdin immediately.
func newSession(id string, info Info, handle *process.Handle, prompt string, log *logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &Session{
		id:     id,
		info:   info,
		logger: log.WithFields(zap.String("session_id", id), zap.String("agent", info.ID)),
		handle: handle,
		status: events.StatusStarting,
		tr:     newTranslator(),
		out:    make(chan events.AgentEvent, 256),
		exited: make(chan struct{}),
	}

	if err := s.writePrompt(prompt); err != nil {
		_ = handle.Signal(process.SignalKill)
		return nil, err
	}
	s.mu.Lock()
	s.inTurn = true
	s.mu.Unlock()

	go s.pump()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() events.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Events returns the canonical event stream. It is closed after the session
// reaches a terminal state.
func (s *Session) Events() <-chan events.AgentEvent {
	return s.out
}

// Exited is closed once the subprocess has terminated and the stream is
// drained.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

// Send delivers a prompt to the agent. If a turn is in flight the prompt is
// queued and dispatched when the turn completes.
func (s *Session) Send(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() || s.status == events.StatusStopping {
		return &InvalidTransitionError{From: s.status, Op: "send"}
	}
	if s.inTurn {
		s.queued = append(s.queued, content)
		return nil
	}
	if err := s.writePrompt(content); err != nil {
		return err
	}
	s.inTurn = true
	s.setStatusLocked(events.StatusRunning)
	return nil
}

// Pause suspends the agent subprocess.
func (s *Session) Pause() error {
	if !s.info.Features.PauseResume {
		return &ErrUnsupported{Op: "pause", Adapter: s.info.ID}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != events.StatusRunning && s.status != events.StatusIdle {
		return &InvalidTransitionError{From: s.status, Op: "pause"}
	}
	s.setStatusLocked(events.StatusPausing)
	if err := s.handle.Suspend(); err != nil {
		s.setStatusLocked(events.StatusRunning)
		return err
	}
	s.setStatusLocked(events.StatusPaused)
	return nil
}

// Resume continues a paused agent subprocess.
func (s *Session) Resume() error {
	if !s.info.Features.PauseResume {
		return &ErrUnsupported{Op: "resume", Adapter: s.info.ID}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != events.StatusPaused {
		return &InvalidTransitionError{From: s.status, Op: "resume"}
	}
	if err := s.handle.Resume(); err != nil {
		return err
	}
	if s.inTurn {
		s.setStatusLocked(events.StatusRunning)
	} else {
		s.setStatusLocked(events.StatusIdle)
	}
	return nil
}

// Stop terminates the subprocess, escalating to SIGKILL after the grace
// period. It blocks until the process has exited or ctx is done.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.status == events.StatusPaused {
		// A stopped process ignores SIGTERM until continued.
		_ = s.handle.Resume()
	}
	s.stopRequested = true
	s.setStatusLocked(events.StatusStopping)
	s.mu.Unlock()

	_ = s.handle.CloseStdin()
	_ = s.handle.Signal(process.SignalTerm)

	select {
	case <-s.handle.Done():
	case <-time.After(stopGrace):
		_ = s.handle.Signal(process.SignalKill)
	case <-ctx.Done():
		_ = s.handle.Signal(process.SignalKill)
		return ctx.Err()
	}

	select {
	case <-s.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// StopAfterCurrent lets the in-flight turn finish and then stops. With no
// turn in flight it stops immediately.
func (s *Session) StopAfterCurrent(ctx context.Context) error {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if !s.inTurn {
		s.mu.Unlock()
		return s.Stop(ctx)
	}
	s.stopAfterTurn = true
	s.queued = nil
	s.setStatusLocked(events.StatusStoppingAfterCurrent)
	s.mu.Unlock()
	return nil
}

// CancelStopAfterCurrent clears a pending deferred stop.
func (s *Session) CancelStopAfterCurrent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != events.StatusStoppingAfterCurrent {
		return &InvalidTransitionError{From: s.status, Op: "cancel stop"}
	}
	s.stopAfterTurn = false
	if s.inTurn {
		s.setStatusLocked(events.StatusRunning)
	} else {
		s.setStatusLocked(events.StatusIdle)
	}
	return nil
}

// pump drains the process event stream, translating frames to canonical
// events until the process exits.
func (s *Session) pump() {
	for pe := range s.handle.Events() {
		switch pe.Type {
		case process.EventStdoutLine:
			s.handleLine(pe.Line)
		case process.EventStderrChunk:
			s.handleStderr(pe.Chunk)
		case process.EventExit:
			s.handleExit(pe.Exit)
		}
	}
}

func (s *Session) handleLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var frame agentwire.Frame
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil || frame.Type == "" {
		s.logger.Debug("unparseable agent output", zap.String("line", truncate(trimmed, 200)))
		s.emit(events.NewError("unparseable agent output: "+truncate(trimmed, 200), "", false))
		return
	}

	if frame.Type == agentwire.FrameTypeSystem {
		s.mu.Lock()
		if s.status == events.StatusStarting {
			s.setStatusLocked(events.StatusRunning)
		}
		s.mu.Unlock()
	}

	for _, ev := range s.tr.Translate(&frame) {
		s.emit(ev)
		if ev.Type == events.TypeError && ev.Fatal {
			s.mu.Lock()
			s.setStatusLocked(events.StatusError)
			s.mu.Unlock()
		}
	}

	if frame.Type == agentwire.FrameTypeResult {
		s.turnFinished()
	}
}

func (s *Session) handleStderr(chunk string) {
	text := strings.TrimSpace(chunk)
	if text == "" {
		return
	}
	s.logger.Debug("agent stderr", zap.String("output", truncate(text, 500)))
	s.emit(events.NewError(text, "", false))
}

// turnFinished runs after a result frame: dispatch the next queued prompt,
// honor a deferred stop, or go idle.
func (s *Session) turnFinished() {
	s.mu.Lock()
	s.inTurn = false

	if s.stopAfterTurn {
		// Initiate the stop without waiting: this runs on the pump
		// goroutine, which must stay free to process the exit event.
		s.stopRequested = true
		s.setStatusLocked(events.StatusStopping)
		s.mu.Unlock()

		_ = s.handle.CloseStdin()
		_ = s.handle.Signal(process.SignalTerm)
		go func() {
			select {
			case <-s.handle.Done():
			case <-time.After(stopGrace):
				_ = s.handle.Signal(process.SignalKill)
			}
		}()
		return
	}

	if len(s.queued) > 0 {
		next := s.queued[0]
		s.queued = s.queued[1:]
		if err := s.writePrompt(next); err != nil {
			s.logger.Error("failed to send queued prompt", zap.Error(err))
			s.mu.Unlock()
			s.emit(events.NewError("failed to send queued prompt: "+err.Error(), "", false))
			return
		}
		s.inTurn = true
		s.setStatusLocked(events.StatusRunning)
		s.mu.Unlock()
		return
	}

	if !s.status.Terminal() && s.status != events.StatusPaused {
		s.setStatusLocked(events.StatusIdle)
	}
	s.mu.Unlock()
}

func (s *Session) handleExit(exit *process.ExitStatus) {
	s.mu.Lock()
	requested := s.stopRequested || s.stopAfterTurn
	clean := exit != nil && exit.Code == 0
	if s.status == events.StatusError {
		// fatal error already recorded
	} else if clean || requested {
		s.setStatusLocked(events.StatusStopped)
	} else {
		s.setStatusLocked(events.StatusError)
	}
	final := s.status
	s.mu.Unlock()

	if final == events.StatusError && !clean && exit != nil {
		msg := "agent exited unexpectedly"
		if exit.Signal != "" {
			msg += " (signal " + exit.Signal + ")"
		}
		s.emit(events.NewError(msg, "", true))
	}

	close(s.out)
	close(s.exited)
}

// setStatusLocked updates the state and emits a status event. Callers hold
// s.mu.
func (s *Session) setStatusLocked(status events.SessionStatus) {
	if s.status == status {
		return
	}
	s.status = status
	select {
	case s.out <- events.NewStatus(status):
	default:
		s.logger.Warn("dropping status event, consumer too slow", zap.String("status", string(status)))
	}
}

func (s *Session) emit(ev events.AgentEvent) {
	s.out <- ev
}

func (s *Session) writePrompt(content string) error {
	payload, err := json.Marshal(agentwire.NewUserMessage(content))
	if err != nil {
		return err
	}
	return s.handle.Write(append(payload, '\n'))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

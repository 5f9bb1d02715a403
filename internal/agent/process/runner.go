// Package process owns the lifetime and I/O streams of agent subprocesses.
//
// A Handle wraps one child process. Stdout is framed on newlines, stderr is
// surfaced in raw chunks, and exactly one exit event is emitted after both
// pipes drain. Lines are not parsed here; translation to canonical events is
// the adapter's job.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/logger"
)

// Errors returned by the runner.
var (
	// ErrNotWritable is returned by Write after stdin has been closed.
	ErrNotWritable = errors.New("process stdin is not writable")
	// ErrSpawn wraps failures to start the child process.
	ErrSpawn = errors.New("failed to spawn process")
)

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// maxLineBytes bounds a single stdout line. Agent frames are JSON objects
// that can carry large tool outputs.
const maxLineBytes = 10 * 1024 * 1024

// EventType identifies an entry in a handle's event stream.
type EventType string

const (
	EventStdoutLine  EventType = "stdout_line"
	EventStderrChunk EventType = "stderr_chunk"
	EventExit        EventType = "exit"
)

// Event is one entry in a handle's event stream. The stream is finite and
// ends after the exit event.
type Event struct {
	Type  EventType
	Line  string      // for stdout_line
	Chunk string      // for stderr_chunk
	Exit  *ExitStatus // for exit
}

// ExitStatus describes how the child terminated.
type ExitStatus struct {
	Code   int
	Signal string
}

// SignalKind selects the termination signal delivered by Signal.
type SignalKind int

const (
	SignalTerm SignalKind = iota
	SignalKill
)

// Spec describes the child process to spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Runner spawns agent subprocesses.
type Runner struct {
	logger *logger.Logger
}

// NewRunner creates a process runner.
func NewRunner(log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{logger: log.WithFields(zap.String("component", "process-runner"))}
}

// Handle owns a spawned child process and its event stream.
type Handle struct {
	cmd    *exec.Cmd
	logger *logger.Logger

	stdin   io.WriteCloser
	stdinMu sync.Mutex
	closed  bool

	events chan Event
	done   chan struct{}
	exited sync.Once
}

// Start spawns the child and returns immediately after a successful spawn.
// The returned handle's event stream ends with exactly one exit event.
func (r *Runner) Start(spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrSpawn)
	}
	if spec.Dir != "" {
		if info, err := os.Stat(spec.Dir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: invalid working directory %q", ErrSpawn, spec.Dir)
		}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(spec.Env)
	// New process group so Signal can take down the whole subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := &Handle{
		cmd:    cmd,
		logger: r.logger.WithFields(zap.Int("pid", cmd.Process.Pid), zap.String("command", spec.Command)),
		stdin:  stdin,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}

	h.logger.Debug("process started", zap.Strings("args", spec.Args), zap.String("dir", spec.Dir))

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readStdout(stdout, &readers)
	go h.readStderr(stderr, &readers)
	go h.wait(&readers)

	return h, nil
}

// Events returns the handle's event stream. The stream is finite: it ends
// after the exit event and is not restartable.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Done is closed once the child has exited and the pipes are drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Write appends bytes to the child's stdin.
func (h *Handle) Write(p []byte) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.closed {
		return ErrNotWritable
	}
	if _, err := h.stdin.Write(p); err != nil {
		h.closed = true
		return fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	return nil
}

// CloseStdin closes the child's stdin, signalling end of input.
func (h *Handle) CloseStdin() error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.stdin.Close()
}

// Signal delivers a termination signal to the child's process group.
// Idempotent: signalling after exit is a no-op.
func (h *Handle) Signal(kind SignalKind) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	sig := syscall.SIGTERM
	if kind == SignalKill {
		sig = syscall.SIGKILL
	}
	return h.signalGroup(sig)
}

// Suspend stops the child's process group (SIGSTOP). Used for pause support.
func (h *Handle) Suspend() error {
	return h.signalGroup(syscall.SIGSTOP)
}

// Resume continues a suspended process group (SIGCONT).
func (h *Handle) Resume() error {
	return h.signalGroup(syscall.SIGCONT)
}

func (h *Handle) signalGroup(sig syscall.Signal) error {
	pid := h.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return h.cmd.Process.Signal(sig)
}

// terminate escalates SIGTERM to SIGKILL after the grace period. Invoked on
// pipe I/O errors so a wedged child cannot leak.
func (h *Handle) terminate() {
	_ = h.Signal(SignalTerm)
	select {
	case <-h.done:
	case <-time.After(killGrace):
		_ = h.Signal(SignalKill)
	}
}

func (h *Handle) readStdout(r io.ReadCloser, readers *sync.WaitGroup) {
	defer readers.Done()
	defer func() { _ = r.Close() }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		h.events <- Event{Type: EventStdoutLine, Line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("stdout read error", zap.Error(err))
		go h.terminate()
	}
}

func (h *Handle) readStderr(r io.ReadCloser, readers *sync.WaitGroup) {
	defer readers.Done()
	defer func() { _ = r.Close() }()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.events <- Event{Type: EventStderrChunk, Chunk: string(buf[:n])}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("stderr read error", zap.Error(err))
				go h.terminate()
			}
			return
		}
	}
}

// wait drains the readers, reaps the child and emits the single exit event.
func (h *Handle) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := h.cmd.Wait()

	status := ExitStatus{}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					status.Code = -1
					status.Signal = ws.Signal().String()
				} else {
					status.Code = ws.ExitStatus()
				}
			} else {
				status.Code = 1
			}
		} else {
			status.Code = 1
		}
	}

	h.exited.Do(func() {
		h.stdinMu.Lock()
		h.closed = true
		h.stdinMu.Unlock()

		h.logger.Debug("process exited",
			zap.Int("exit_code", status.Code),
			zap.String("signal", status.Signal))

		h.events <- Event{Type: EventExit, Exit: &status}
		close(h.events)
		close(h.done)
	})
}

// mergeEnv merges custom variables over the parent environment, returning
// the KEY=VALUE slice exec.Cmd expects.
func mergeEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}

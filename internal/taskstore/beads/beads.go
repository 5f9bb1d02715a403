// Package beads implements the task store over the beads issue tracker's
// bd command line tool. All queries shell out to bd with --json output.
package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/logger"
)

// commandTimeout bounds any single bd invocation.
const commandTimeout = 10 * time.Second

// Task is one ready unit of work from the tracker.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    int    `json:"priority,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

// Prompt renders the task as the initial agent prompt.
func (t *Task) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on task %s: %s\n", t.ID, t.Title)
	if t.Description != "" {
		b.WriteString("\n")
		b.WriteString(t.Description)
		b.WriteString("\n")
	}
	b.WriteString("\nWhen the task is complete, commit your work with a descriptive message.")
	return b.String()
}

// TaskStore is the queue the orchestrator draws work from.
type TaskStore interface {
	// ReadyCount returns how many unblocked tasks are ready to be worked.
	ReadyCount(ctx context.Context) (int, error)
	// NextReadyTask returns the highest priority ready task, or nil when
	// the queue is empty.
	NextReadyTask(ctx context.Context) (*Task, error)
	// Claim marks a task in progress and assigns it to a worker.
	Claim(ctx context.Context, taskID, workerName string) error
	// Release returns a claimed task to the ready queue.
	Release(ctx context.Context, taskID string) error
	// Close marks a task done.
	Close(ctx context.Context, taskID, resolution string) error
}

// Client is the bd-backed TaskStore.
type Client struct {
	dir    string
	binary string
	logger *logger.Logger
}

// NewClient creates a task store rooted at dir, where the beads database
// lives.
func NewClient(dir string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		dir:    dir,
		binary: "bd",
		logger: log.WithFields(zap.String("component", "beads")),
	}
}

// IsAvailable reports whether the bd binary can be found.
func (c *Client) IsAvailable() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("bd %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}

func (c *Client) readyTasks(ctx context.Context) ([]Task, error) {
	out, err := c.run(ctx, "ready", "--json")
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := json.Unmarshal(out, &tasks); err != nil {
		return nil, fmt.Errorf("parse bd ready output: %w", err)
	}
	return tasks, nil
}

// ReadyCount implements TaskStore.
func (c *Client) ReadyCount(ctx context.Context) (int, error) {
	tasks, err := c.readyTasks(ctx)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// NextReadyTask implements TaskStore. bd returns ready tasks already in
// priority order.
func (c *Client) NextReadyTask(ctx context.Context) (*Task, error) {
	tasks, err := c.readyTasks(ctx)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// Claim implements TaskStore.
func (c *Client) Claim(ctx context.Context, taskID, workerName string) error {
	if _, err := c.run(ctx, "update", taskID, "--status", "in_progress", "--assignee", workerName); err != nil {
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}
	c.logger.Info("task claimed", zap.String("task", taskID), zap.String("worker", workerName))
	return nil
}

// Release implements TaskStore.
func (c *Client) Release(ctx context.Context, taskID string) error {
	if _, err := c.run(ctx, "update", taskID, "--status", "open", "--assignee", ""); err != nil {
		return fmt.Errorf("release task %s: %w", taskID, err)
	}
	return nil
}

// Close implements TaskStore.
func (c *Client) Close(ctx context.Context, taskID, resolution string) error {
	args := []string{"close", taskID}
	if resolution != "" {
		args = append(args, "--reason", resolution)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("close task %s: %w", taskID, err)
	}
	c.logger.Info("task closed", zap.String("task", taskID))
	return nil
}

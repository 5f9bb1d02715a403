package beads

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskPromptIncludesIDTitleAndDescription(t *testing.T) {
	task := &Task{
		ID:          "bd-42",
		Title:       "Fix the login flow",
		Description: "Users get logged out after one request.",
	}
	prompt := task.Prompt()
	assert.Contains(t, prompt, "bd-42")
	assert.Contains(t, prompt, "Fix the login flow")
	assert.Contains(t, prompt, "logged out after one request")
	assert.Contains(t, prompt, "commit your work")
}

func TestTaskPromptWithoutDescription(t *testing.T) {
	task := &Task{ID: "bd-1", Title: "Small fix"}
	prompt := task.Prompt()
	assert.Contains(t, prompt, "bd-1")
	assert.NotContains(t, prompt, "\n\n\n")
}

func TestReadyOutputParsing(t *testing.T) {
	// The shape bd ready --json emits.
	raw := `[
		{"id":"bd-1","title":"First","status":"open","priority":1},
		{"id":"bd-2","title":"Second","status":"open","priority":2,"assignee":""}
	]`
	var tasks []Task
	require.NoError(t, json.Unmarshal([]byte(raw), &tasks))
	require.Len(t, tasks, 2)
	assert.Equal(t, "bd-1", tasks[0].ID)
	assert.Equal(t, 2, tasks[1].Priority)
}

type stubStore struct {
	counts []int
	idx    int
}

func (s *stubStore) ReadyCount(context.Context) (int, error) {
	if s.idx >= len(s.counts) {
		return s.counts[len(s.counts)-1], nil
	}
	n := s.counts[s.idx]
	s.idx++
	return n, nil
}

func (s *stubStore) NextReadyTask(context.Context) (*Task, error)  { return nil, nil }
func (s *stubStore) Claim(context.Context, string, string) error   { return nil }
func (s *stubStore) Release(context.Context, string) error         { return nil }
func (s *stubStore) Close(context.Context, string, string) error   { return nil }

func TestWatcherNotifiesOnChange(t *testing.T) {
	store := &stubStore{counts: []int{0, 0, 2, 2, 1}}
	w := NewWatcher(store, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	expect := func(want int) {
		t.Helper()
		select {
		case got := <-w.Changes():
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("no notification for count %d", want)
		}
	}
	expect(0)
	expect(2)
	expect(1)
}

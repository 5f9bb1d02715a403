package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ralphd/ralph/internal/common/config"
	"github.com/ralphd/ralph/internal/common/logger"
	"github.com/ralphd/ralph/internal/session"
	"github.com/ralphd/ralph/pkg/events"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <session-id|file>",
		Short: "Print a stored session's events, or an event log file",
		Long:  "replay prints the event stream of a persisted session from the workspace\nstore, or, when given a path to a JSONL event log, replays that file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if info, err := os.Stat(args[0]); err == nil && info.Mode().IsRegular() {
				return replayFile(cmd, args[0])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return replaySession(cmd, cfg, args[0])
		},
	}
	cmd.Flags().Int64("after", -1, "replay events after this event index")
	cmd.Flags().Bool("raw", false, "print raw envelope JSON, one per line")
	return cmd
}

func replaySession(cmd *cobra.Command, cfg *config.Config, sessionID string) error {
	workspaceRoot, err := filepath.Abs(cfg.Orchestrator.WorkspaceCwd)
	if err != nil {
		return err
	}

	store, err := session.Open(session.DBPath(workspaceRoot), logger.Default())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	after, _ := cmd.Flags().GetInt64("after")
	raw, _ := cmd.Flags().GetBool("raw")

	sess, err := store.GetSession(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	evs, err := store.GetEventsSince(cmd.Context(), sessionID, after)
	if err != nil {
		return err
	}

	if raw {
		enc := json.NewEncoder(os.Stdout)
		for _, env := range evs {
			if err := enc.Encode(env); err != nil {
				return err
			}
		}
		return nil
	}

	fmt.Printf("session %s  worker=%s task=%s status=%s events=%d\n\n",
		sess.ID, sess.WorkerName, sess.TaskID, sess.Status, sess.EventCount)
	for _, env := range evs {
		printEvent(env)
	}
	return nil
}

// replayFile re-emits a JSONL event log. Lines in the older flat shapes are
// normalised through the legacy translation path.
func replayFile(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	after, _ := cmd.Flags().GetInt64("after")
	raw, _ := cmd.Flags().GetBool("raw")
	enc := json.NewEncoder(os.Stdout)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: not valid JSON, skipped\n", lineNo)
			continue
		}
		env, ok := events.FromLegacy(msg)
		if !ok {
			fmt.Fprintf(os.Stderr, "line %d: not an event, skipped\n", lineNo)
			continue
		}
		if after >= 0 && (env.EventIndex == nil || *env.EventIndex <= after) {
			continue
		}
		if raw {
			if err := enc.Encode(env); err != nil {
				return err
			}
			continue
		}
		printEvent(env)
	}
	return scanner.Err()
}

func printEvent(env *events.Envelope) {
	ts := time.UnixMilli(env.Timestamp).Format("15:04:05.000")
	idx := int64(-1)
	if env.EventIndex != nil {
		idx = *env.EventIndex
	}
	ev := env.Event

	switch ev.Type {
	case events.TypeMessage:
		marker := ""
		if ev.IsPartial {
			marker = " (partial)"
		}
		fmt.Printf("[%s #%d] message%s: %s\n", ts, idx, marker, ev.Content)
	case events.TypeThinking:
		fmt.Printf("[%s #%d] thinking: %s\n", ts, idx, ev.Content)
	case events.TypeToolUse:
		fmt.Printf("[%s #%d] tool_use %s (%s)\n", ts, idx, ev.Tool, ev.ToolUseID)
	case events.TypeToolResult:
		status := "ok"
		if ev.IsError {
			status = "error"
		}
		fmt.Printf("[%s #%d] tool_result %s [%s]\n", ts, idx, ev.ToolUseID, status)
	case events.TypeResult:
		fmt.Printf("[%s #%d] result: %s\n", ts, idx, ev.Content)
	case events.TypeError:
		fmt.Printf("[%s #%d] error (%s, fatal=%v): %s\n", ts, idx, ev.Code, ev.Fatal, ev.Message)
	case events.TypeStatus:
		fmt.Printf("[%s #%d] status: %s\n", ts, idx, ev.Status)
	default:
		fmt.Printf("[%s #%d] %s\n", ts, idx, ev.Type)
	}
}

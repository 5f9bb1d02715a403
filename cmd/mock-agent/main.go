// mock-agent speaks the agent JSONL wire protocol for development and
// integration testing without a real agent binary. For every prompt on
// stdin it streams a scripted turn on stdout.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ralphd/ralph/pkg/agentwire"
)

func main() {
	delay := flag.Duration("delay", 10*time.Millisecond, "pause between emitted frames")
	failTurn := flag.Bool("fail", false, "report an error result for every turn")
	useTools := flag.Bool("tools", true, "include a tool_use/tool_result pair per turn")
	flag.Parse()

	out := json.NewEncoder(os.Stdout)
	emit := func(f agentwire.Frame) {
		if err := out.Encode(f); err != nil {
			os.Exit(1)
		}
		time.Sleep(*delay)
	}

	emit(agentwire.Frame{Type: agentwire.FrameTypeSystem, SessionID: uuid.NewString()})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg agentwire.UserMessage
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type != agentwire.FrameTypeUser {
			fmt.Fprintf(os.Stderr, "mock-agent: ignoring unrecognized input\n")
			continue
		}
		runTurn(emit, msg.Message.Content, *failTurn, *useTools)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// runTurn emits one scripted turn: streamed text, the complete assistant
// message, an optional tool round trip, and the final result.
func runTurn(emit func(agentwire.Frame), prompt string, fail, useTools bool) {
	reply := "Working on it: " + truncate(prompt, 60)

	for _, chunk := range splitChunks(reply, 12) {
		emit(agentwire.Frame{
			Type: agentwire.FrameTypeStreamEvent,
			Event: &agentwire.StreamEvent{
				Type:  agentwire.StreamContentBlockDelta,
				Delta: &agentwire.TextDelta{Type: "text_delta", Text: chunk},
			},
		})
	}
	emit(agentwire.Frame{
		Type:  agentwire.FrameTypeStreamEvent,
		Event: &agentwire.StreamEvent{Type: agentwire.StreamMessageStop},
	})
	emit(agentwire.Frame{
		Type: agentwire.FrameTypeAssistant,
		Message: &agentwire.AssistantMessage{
			Role:    "assistant",
			Content: []agentwire.ContentBlock{{Type: "text", Text: reply}},
		},
	})

	if useTools {
		toolID := uuid.NewString()
		emit(agentwire.Frame{
			Type: agentwire.FrameTypeAssistant,
			Message: &agentwire.AssistantMessage{
				Role: "assistant",
				Content: []agentwire.ContentBlock{{
					Type:  "tool_use",
					ID:    toolID,
					Name:  "Bash",
					Input: map[string]any{"command": "git status"},
				}},
			},
		})
		emit(agentwire.Frame{
			Type:      agentwire.FrameTypeToolResult,
			ToolUseID: toolID,
			Content:   "nothing to commit, working tree clean",
		})
	}

	if fail {
		result, _ := json.Marshal("mock failure")
		emit(agentwire.Frame{
			Type:    agentwire.FrameTypeResult,
			Subtype: agentwire.SubtypeError,
			Result:  result,
		})
		return
	}

	result, _ := json.Marshal("done")
	emit(agentwire.Frame{
		Type:              agentwire.FrameTypeResult,
		Subtype:           agentwire.SubtypeSuccess,
		Result:            result,
		NumTurns:          1,
		TotalInputTokens:  128,
		TotalOutputTokens: 64,
	})
}

func splitChunks(s string, n int) []string {
	var chunks []string
	for len(s) > n {
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

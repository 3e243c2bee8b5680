// Package main implements a stand-in for the Claude Code CLI: it speaks the
// stream-json protocol on stdio and plays scripted turns, so the claude
// runner adapter can be exercised end to end without the real CLI. Point the
// adapter at it through a repository's runner args override.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ceedaragents/cyrus/pkg/claudecode"
)

func main() {
	inv := parseInvocation(os.Args[1:])

	enc := json.NewEncoder(os.Stdout)
	agent := newAgent(enc, inv)
	agent.emitInit()

	if !inv.Streaming {
		agent.playTurn(inv.Prompt)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}

		switch probe.Type {
		case claudecode.MessageTypeUser:
			var msg claudecode.UserMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			agent.playTurn(msg.Message.Content)
		case claudecode.MessageTypeControlRequest:
			var msg claudecode.ControlRequestMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			agent.ackControl(msg)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: stdin error: %v\n", err)
		os.Exit(1)
	}
}

// invocation is what the adapter's command line selects.
type invocation struct {
	Model     string
	Streaming bool
	Resume    string

	// Prompt is the positional prompt in non-streaming mode.
	Prompt string
}

// parseInvocation reads the flags the claude adapter passes. Unknown flags
// are ignored so the arg surface can grow without breaking the mock.
func parseInvocation(args []string) invocation {
	inv := invocation{Model: "mock-sonnet"}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--model" && i+1 < len(args):
			inv.Model = args[i+1]
			i++
		case strings.HasPrefix(arg, "--model="):
			inv.Model = strings.TrimPrefix(arg, "--model=")
		case arg == "--resume" && i+1 < len(args):
			inv.Resume = args[i+1]
			i++
		case arg == "--input-format" && i+1 < len(args):
			if args[i+1] == "stream-json" {
				inv.Streaming = true
			}
			i++
		case arg == "--output-format" || arg == "--fallback-model" ||
			arg == "--allowedTools" || arg == "--disallowedTools":
			i++ // skip the flag's value
		case strings.HasPrefix(arg, "-"):
			// flag without a value we care about
		default:
			inv.Prompt = arg
		}
	}
	return inv
}

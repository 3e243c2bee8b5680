package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/pkg/claudecode"
)

func TestParseInvocation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want invocation
	}{
		{
			name: "non-streaming with positional prompt",
			args: []string{"--print", "--output-format", "stream-json", "--verbose", "Fix the bug"},
			want: invocation{Model: "mock-sonnet", Prompt: "Fix the bug"},
		},
		{
			name: "streaming with model and resume",
			args: []string{"--print", "--output-format", "stream-json", "--verbose",
				"--input-format", "stream-json", "--model", "sonnet", "--resume", "mock-77"},
			want: invocation{Model: "sonnet", Streaming: true, Resume: "mock-77"},
		},
		{
			name: "model equals form",
			args: []string{"--model=haiku", "Do it"},
			want: invocation{Model: "haiku", Prompt: "Do it"},
		},
		{
			name: "tool filters consume their values",
			args: []string{"--allowedTools", "Bash,Read", "--disallowedTools", "WebFetch", "Prompt text"},
			want: invocation{Model: "mock-sonnet", Prompt: "Prompt text"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseInvocation(tt.args))
		})
	}
}

func decodeStream(t *testing.T, buf *bytes.Buffer) []claudecode.Message {
	t.Helper()
	var msgs []claudecode.Message
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m claudecode.Message
		require.NoError(t, dec.Decode(&m))
		msgs = append(msgs, m)
	}
	return msgs
}

func TestDefaultTurnStream(t *testing.T) {
	var buf bytes.Buffer
	a := newAgent(json.NewEncoder(&buf), invocation{Model: "sonnet"})
	a.emitInit()
	a.playTurn("Fix the login bug")

	msgs := decodeStream(t, &buf)
	require.GreaterOrEqual(t, len(msgs), 4)

	assert.Equal(t, claudecode.MessageTypeSystem, msgs[0].Type)
	assert.Equal(t, claudecode.SubtypeInit, msgs[0].Subtype)
	assert.NotEmpty(t, msgs[0].SessionID)
	assert.Equal(t, "sonnet", msgs[0].Model)

	last := msgs[len(msgs)-1]
	assert.Equal(t, claudecode.MessageTypeResult, last.Type)
	assert.Equal(t, claudecode.SubtypeSuccess, last.Subtype)
	assert.False(t, last.IsError)
	assert.True(t, strings.HasPrefix(last.Result, lastMessageMarker))
	assert.Equal(t, msgs[0].SessionID, last.SessionID)

	var sawRead, sawResult bool
	for _, m := range msgs {
		if m.Type == claudecode.MessageTypeAssistant && m.Message != nil {
			for _, use := range m.Message.ToolUses() {
				if use.Name == "Read" {
					sawRead = true
				}
			}
		}
		if m.Type == claudecode.MessageTypeUser && m.Message != nil {
			for _, blk := range m.Message.Content {
				if blk.Type == claudecode.BlockTypeToolResult {
					sawResult = true
				}
			}
		}
	}
	assert.True(t, sawRead)
	assert.True(t, sawResult)
}

func TestErrorTurnStream(t *testing.T) {
	var buf bytes.Buffer
	a := newAgent(json.NewEncoder(&buf), invocation{})
	a.playTurn("please " + markerError)

	msgs := decodeStream(t, &buf)
	last := msgs[len(msgs)-1]
	assert.Equal(t, claudecode.MessageTypeResult, last.Type)
	assert.Equal(t, claudecode.SubtypeErrorDuringExecution, last.Subtype)
	assert.True(t, last.IsError)
	assert.Equal(t, "mock agent failure", last.Result)
}

func TestParallelTurnAttributesChildren(t *testing.T) {
	var buf bytes.Buffer
	a := newAgent(json.NewEncoder(&buf), invocation{})
	a.playTurn("split this " + markerParallel)

	msgs := decodeStream(t, &buf)

	var taskIDs []string
	for _, m := range msgs {
		if m.Type != claudecode.MessageTypeAssistant || m.Message == nil || m.ParentToolUseID != "" {
			continue
		}
		for _, use := range m.Message.ToolUses() {
			if use.Name == "Task" {
				taskIDs = append(taskIDs, use.ID)
			}
		}
	}
	require.Len(t, taskIDs, 2)

	children := 0
	for _, m := range msgs {
		if m.ParentToolUseID == "" {
			continue
		}
		children++
		assert.Contains(t, taskIDs, m.ParentToolUseID)
	}
	assert.Greater(t, children, 0)

	last := msgs[len(msgs)-1]
	assert.Equal(t, claudecode.MessageTypeResult, last.Type)
	assert.Equal(t, claudecode.SubtypeSuccess, last.Subtype)
}

func TestInterruptAcknowledged(t *testing.T) {
	var buf bytes.Buffer
	a := newAgent(json.NewEncoder(&buf), invocation{})
	a.ackControl(claudecode.ControlRequestMessage{
		Type:      claudecode.MessageTypeControlRequest,
		RequestID: "interrupt-1",
		Request:   claudecode.ControlRequestBody{Subtype: claudecode.SubtypeInterrupt},
	})

	msgs := decodeStream(t, &buf)
	require.Len(t, msgs, 2)
	assert.Equal(t, claudecode.MessageTypeControlResponse, msgs[0].Type)
	require.NotNil(t, msgs[0].Response)
	assert.Equal(t, "interrupt-1", msgs[0].Response.RequestID)
	assert.Equal(t, claudecode.MessageTypeResult, msgs[1].Type)
	assert.Equal(t, claudecode.SubtypeInterrupt, msgs[1].Subtype)
}

func TestResumeReusesSessionID(t *testing.T) {
	var buf bytes.Buffer
	a := newAgent(json.NewEncoder(&buf), invocation{Resume: "mock-42"})
	a.emitInit()

	msgs := decodeStream(t, &buf)
	require.Len(t, msgs, 1)
	assert.Equal(t, "mock-42", msgs[0].SessionID)
}

package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// fakeServer reads client requests from in and answers on out.
func fakeServer(t *testing.T, in io.Reader, out io.Writer) {
	t.Helper()
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Method {
		case MethodInitialize:
			writeJSON(out, Response{ID: req.ID, Result: json.RawMessage(`{"userAgent":"codex/1.0"}`)})
		case MethodThreadStart:
			writeJSON(out, Response{ID: req.ID, Result: json.RawMessage(`{"thread":{"id":"th_1"}}`)})
			writeJSON(out, Notification{Method: NotifyThreadStarted, Params: json.RawMessage(`{"threadId":"th_1"}`)})
		case MethodTurnStart:
			// Reverse request: ask for approval before answering the turn.
			writeJSON(out, Request{ID: "srv-1", Method: NotifyItemCmdExecRequestApproval,
				Params: json.RawMessage(`{"threadId":"th_1","itemId":"it_1","command":"go test ./..."}`)})
		}
	}
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.Marshal(v)
	data = append(data, '\n')
	_, _ = w.Write(data)
}

func TestClient_CallAndNotifications(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinW.Close()
	defer stdoutW.Close()

	client := NewClient(stdinW, stdoutR, newTestLogger())

	notifications := make(chan string, 4)
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		notifications <- method
	})

	approvals := make(chan string, 1)
	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		if err := client.SendResponse(id, ApprovalResponse{Decision: DecisionAccept}, nil); err != nil {
			t.Errorf("SendResponse: %v", err)
		}
		approvals <- method
	})

	go fakeServer(t, stdinR, stdoutW)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	resp, err := client.Call(ctx, MethodInitialize, InitializeParams{ClientInfo: &ClientInfo{Name: "cyrus", Version: "test"}})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	var init InitializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		t.Fatalf("parse initialize result: %v", err)
	}
	if init.UserAgent != "codex/1.0" {
		t.Errorf("UserAgent = %q", init.UserAgent)
	}

	resp, err = client.Call(ctx, MethodThreadStart, ThreadStartParams{Cwd: "/work"})
	if err != nil {
		t.Fatalf("thread/start: %v", err)
	}
	var started ThreadStartResult
	if err := json.Unmarshal(resp.Result, &started); err != nil {
		t.Fatalf("parse thread result: %v", err)
	}
	if started.Thread == nil || started.Thread.ID != "th_1" {
		t.Fatalf("thread = %+v", started.Thread)
	}

	select {
	case method := <-notifications:
		if method != NotifyThreadStarted {
			t.Errorf("notification = %q", method)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}

	// Reverse request path: turn/start triggers an approval request which
	// the handler answers. The server never responds to turn/start here, so
	// fire it as a goroutine and only wait for the approval.
	go func() {
		_, _ = client.Call(ctx, MethodTurnStart, TurnStartParams{ThreadID: "th_1", Input: []UserInput{TextInput("run tests")}})
	}()

	select {
	case method := <-approvals:
		if method != NotifyItemCmdExecRequestApproval {
			t.Errorf("approval method = %q", method)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for approval request")
	}
}

func TestClient_CallContextCancelled(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinW.Close()
	defer stdoutW.Close()
	go func() {
		// Swallow whatever the client writes, answer nothing.
		_, _ = io.Copy(io.Discard, stdinR)
	}()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	client.Start(context.Background())
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, MethodInitialize, nil)
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestFlexibleContent(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{name: "string form", data: `"thinking about it"`, want: "thinking about it"},
		{name: "array form", data: `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, want: "ab"},
		{name: "garbage tolerated", data: `12345`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fc FlexibleContent
			if err := json.Unmarshal([]byte(tt.data), &fc); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if fc.Text() != tt.want {
				t.Errorf("Text() = %q, want %q", fc.Text(), tt.want)
			}
		})
	}
}

func TestItem_MessageText(t *testing.T) {
	it := &Item{Text: "direct"}
	if it.MessageText() != "direct" {
		t.Errorf("MessageText = %q", it.MessageText())
	}

	it = &Item{Content: FlexibleContent{{Type: "text", Text: "from content"}}}
	if it.MessageText() != "from content" {
		t.Errorf("MessageText = %q", it.MessageText())
	}

	it = &Item{Summary: FlexibleContent{{Type: "text", Text: "from summary"}}}
	if it.MessageText() != "from summary" {
		t.Errorf("MessageText = %q", it.MessageText())
	}
}

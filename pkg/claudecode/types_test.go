package claudecode

import (
	"encoding/json"
	"testing"
)

func TestMessage_ParseSystemInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"s-100","cwd":"/work/repo","model":"claude-opus","tools":["Read","Bash"]}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Type != MessageTypeSystem || msg.Subtype != SubtypeInit {
		t.Errorf("type/subtype = %q/%q", msg.Type, msg.Subtype)
	}
	if msg.SessionID != "s-100" {
		t.Errorf("SessionID = %q, want s-100", msg.SessionID)
	}
	if msg.CWD != "/work/repo" {
		t.Errorf("CWD = %q", msg.CWD)
	}
	if len(msg.Tools) != 2 {
		t.Errorf("Tools = %v", msg.Tools)
	}
}

func TestMessage_ParseAssistant(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","model":"claude-opus","content":[` +
		`{"type":"thinking","thinking":"Let me look at the handler."},` +
		`{"type":"text","text":"Checking the handler "},` +
		`{"type":"text","text":"now."},` +
		`{"type":"tool_use","id":"tu_1","name":"Read","input":{"file_path":"/work/main.go"}}` +
		`]}}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Message == nil {
		t.Fatal("Message body is nil")
	}
	if got := msg.Message.TextContent(); got != "Checking the handler now." {
		t.Errorf("TextContent = %q", got)
	}

	uses := msg.Message.ToolUses()
	if len(uses) != 1 {
		t.Fatalf("ToolUses = %d, want 1", len(uses))
	}
	if uses[0].Name != "Read" || uses[0].ID != "tu_1" {
		t.Errorf("tool use = %q/%q", uses[0].Name, uses[0].ID)
	}

	var input map[string]string
	if err := json.Unmarshal(uses[0].Input, &input); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	if input["file_path"] != "/work/main.go" {
		t.Errorf("input = %v", input)
	}

	if msg.Message.Content[0].Thinking != "Let me look at the handler." {
		t.Errorf("thinking = %q", msg.Message.Content[0].Thinking)
	}
}

func TestMessage_ParseResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"s-100","result":"All tests pass.",` +
		`"is_error":false,"num_turns":4,"duration_ms":61250,"total_cost_usd":0.42,` +
		`"usage":{"input_tokens":1200,"output_tokens":800,"cache_read_input_tokens":5000,"cache_creation_input_tokens":100}}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Subtype != SubtypeSuccess || msg.IsError {
		t.Errorf("subtype/is_error = %q/%v", msg.Subtype, msg.IsError)
	}
	if msg.Result != "All tests pass." {
		t.Errorf("Result = %q", msg.Result)
	}
	if msg.NumTurns != 4 || msg.DurationMS != 61250 {
		t.Errorf("turns/duration = %d/%d", msg.NumTurns, msg.DurationMS)
	}
	if msg.Usage == nil || msg.Usage.OutputTokens != 800 {
		t.Errorf("Usage = %+v", msg.Usage)
	}
}

func TestResultContent_Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "plain string",
			data: `"file contents here"`,
			want: "file contents here",
		},
		{
			name: "block array",
			data: `[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]`,
			want: "line one\nline two",
		},
		{
			name: "block array with non-text entries",
			data: `[{"type":"image","source":"x"},{"type":"text","text":"only this"}]`,
			want: "only this",
		},
		{
			name: "unknown shape kept raw",
			data: `{"weird":true}`,
			want: `{"weird":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rc ResultContent
			if err := json.Unmarshal([]byte(tt.data), &rc); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if rc.String() != tt.want {
				t.Errorf("got %q, want %q", rc.String(), tt.want)
			}
		})
	}
}

func TestMessage_ParseToolResult(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"tu_1","content":"ok: 12 files","is_error":false},` +
		`{"type":"tool_result","tool_use_id":"tu_2","content":[{"type":"text","text":"command failed"}],"is_error":true}` +
		`]}}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	blocks := msg.Message.Content
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	if blocks[0].ToolUseID != "tu_1" || blocks[0].Content.String() != "ok: 12 files" || blocks[0].IsError {
		t.Errorf("first block = %+v", blocks[0])
	}
	if blocks[1].ToolUseID != "tu_2" || blocks[1].Content.String() != "command failed" || !blocks[1].IsError {
		t.Errorf("second block = %+v", blocks[1])
	}
}

func TestMessage_ParseControlRequest(t *testing.T) {
	line := `{"type":"control_request","request_id":"req-9","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /tmp/x"}}}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.RequestID != "req-9" {
		t.Errorf("RequestID = %q", msg.RequestID)
	}
	if msg.Request == nil || msg.Request.ToolName != "Bash" {
		t.Errorf("Request = %+v", msg.Request)
	}
}

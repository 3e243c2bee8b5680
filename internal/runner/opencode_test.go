package runner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/pkg/opencode"
)

func newOpencodeForTest(t *testing.T, cfg Config) (*OpencodeRunner, *eventCollector) {
	t.Helper()
	r := NewOpencodeRunner(cfg, newRunnerLogger(t))
	return r, &eventCollector{}
}

func opencodeEvent(eventType, properties string) *opencode.SDKEventEnvelope {
	return &opencode.SDKEventEnvelope{
		Type:       eventType,
		Properties: json.RawMessage(properties),
	}
}

func TestOpencodeUserPartsAreFiltered(t *testing.T) {
	r, c := newOpencodeForTest(t, Config{})
	h := c.handler()

	r.handleEvent(opencodeEvent(opencode.SDKEventMessageUpdated,
		`{"info":{"id":"msg-u","sessionID":"s1","role":"user"}}`), h)
	r.handleEvent(opencodeEvent(opencode.SDKEventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","messageID":"msg-u","sessionID":"s1","text":"the prompt echo"}}`), h)

	assert.Empty(t, c.all())
}

func TestOpencodeTextPartSnapshots(t *testing.T) {
	r, c := newOpencodeForTest(t, Config{})
	h := c.handler()

	r.handleEvent(opencodeEvent(opencode.SDKEventMessageUpdated,
		`{"info":{"id":"msg-a","sessionID":"s1","role":"assistant"}}`), h)
	r.handleEvent(opencodeEvent(opencode.SDKEventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","messageID":"msg-a","sessionID":"s1","text":"Looking at"}}`), h)
	r.handleEvent(opencodeEvent(opencode.SDKEventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","messageID":"msg-a","sessionID":"s1","text":"Looking at the code"}}`), h)

	events := c.all()
	require.Len(t, events, 2)
	assert.Equal(t, KindThought, events[0].Kind)
	assert.Equal(t, "p1", events[0].PartID)
	assert.Equal(t, "Looking at", events[0].Text)
	assert.Equal(t, "Looking at the code", events[1].Text)

	r.mu.Lock()
	last := r.lastText
	r.mu.Unlock()
	assert.Equal(t, "Looking at the code", last)
}

func TestOpencodeToolPartLifecycle(t *testing.T) {
	r, c := newOpencodeForTest(t, Config{})
	h := c.handler()

	// Pending snapshots carry no input yet and stay silent.
	r.handleEvent(opencodeEvent(opencode.SDKEventMessagePartUpdated,
		`{"part":{"id":"tp1","type":"tool","messageID":"m1","callID":"call-1","tool":"bash","state":{"status":"pending"}}}`), h)
	assert.Empty(t, c.all())

	r.handleEvent(opencodeEvent(opencode.SDKEventMessagePartUpdated,
		`{"part":{"id":"tp1","type":"tool","messageID":"m1","callID":"call-1","tool":"bash","state":{"status":"running","input":{"command":"go test"}}}}`), h)
	r.handleEvent(opencodeEvent(opencode.SDKEventMessagePartUpdated,
		`{"part":{"id":"tp1","type":"tool","messageID":"m1","callID":"call-1","tool":"bash","state":{"status":"completed","input":{"command":"go test"},"output":"ok"}}}`), h)
	// A repeated completed snapshot must not duplicate the result.
	r.handleEvent(opencodeEvent(opencode.SDKEventMessagePartUpdated,
		`{"part":{"id":"tp1","type":"tool","messageID":"m1","callID":"call-1","tool":"bash","state":{"status":"completed","output":"ok"}}}`), h)

	events := c.all()
	require.Len(t, events, 2)
	assert.Equal(t, KindAction, events[0].Kind)
	assert.Equal(t, "bash", events[0].Name)
	assert.Equal(t, "call-1", events[0].ToolUseID)
	assert.JSONEq(t, `{"command":"go test"}`, string(events[0].Input))
	assert.Equal(t, KindResult, events[1].Kind)
	assert.Equal(t, "call-1", events[1].ToolUseID)
	assert.Equal(t, "ok", events[1].Output)
}

func TestOpencodeToolErrorState(t *testing.T) {
	r, c := newOpencodeForTest(t, Config{})

	r.handleEvent(opencodeEvent(opencode.SDKEventMessagePartUpdated,
		`{"part":{"id":"tp2","type":"tool","messageID":"m1","tool":"webfetch","state":{"status":"error","error":"connection refused"}}}`), c.handler())

	events := c.all()
	require.Len(t, events, 2)
	assert.Equal(t, KindAction, events[0].Kind)
	assert.Equal(t, KindResult, events[1].Kind)
	assert.True(t, events[1].IsError)
	assert.Equal(t, "connection refused", events[1].Output)
}

func TestOpencodeTodosRenderAsChecklist(t *testing.T) {
	r, c := newOpencodeForTest(t, Config{})

	r.handleEvent(opencodeEvent(opencode.SDKEventTodoUpdated,
		`{"todos":[{"id":"1","content":"Read code","status":"completed"},{"id":"2","content":"Fix bug","status":"in_progress"}]}`), c.handler())

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, "TodoWrite", events[0].Name)
	assert.JSONEq(t, `{"todos":[
		{"content":"Read code","status":"completed"},
		{"content":"Fix bug","status":"in_progress"}
	]}`, string(events[0].Input))
}

func TestOpencodePermissionDisallowed(t *testing.T) {
	r, _ := newOpencodeForTest(t, Config{
		DisallowedTools: []string{"Bash(rm:*)", "WebSearch"},
	})

	assert.True(t, r.permissionDisallowed(&opencode.PermissionAskedProperties{Permission: "bash"}))
	assert.True(t, r.permissionDisallowed(&opencode.PermissionAskedProperties{Permission: "websearch"}))
	assert.True(t, r.permissionDisallowed(&opencode.PermissionAskedProperties{
		Permission: "external",
		Patterns:   []string{"websearch: golang generics"},
	}))
	assert.False(t, r.permissionDisallowed(&opencode.PermissionAskedProperties{Permission: "edit"}))
}

func TestOpencodeModelSpec(t *testing.T) {
	log := newRunnerLogger(t)

	r := NewOpencodeRunner(Config{Model: "anthropic/claude-opus-4"}, log)
	spec := r.modelSpec()
	require.NotNil(t, spec)
	assert.Equal(t, "anthropic", spec.ProviderID)
	assert.Equal(t, "claude-opus-4", spec.ModelID)

	r = NewOpencodeRunner(Config{Model: "sonnet"}, log)
	spec = r.modelSpec()
	require.NotNil(t, spec)
	assert.Equal(t, "anthropic", spec.ProviderID)
	assert.Equal(t, "sonnet", spec.ModelID)

	r = NewOpencodeRunner(Config{}, log)
	assert.Nil(t, r.modelSpec())
}

func TestFreePortAllocates(t *testing.T) {
	port, err := freePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}

package normalizer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(log)
}

func TestPartSnapshotsPostOnce(t *testing.T) {
	n := newTestNormalizer(t)

	snapshots := []string{
		"I",
		"I'",
		"I'll",
		"I'll implement",
		"I'll implement the multiply method.",
	}
	for _, snap := range snapshots {
		require.Empty(t, n.Push(runner.ThoughtPart("p1", snap)))
	}

	out := n.Push(runner.Action("Bash", "tu-1", json.RawMessage(`{"command":"ls"}`)))
	require.Len(t, out, 2)
	assert.Equal(t, tracker.ContentThought, out[0].Content.Type)
	assert.Equal(t, "I'll implement the multiply method.", out[0].Content.Body)
	assert.Equal(t, tracker.ContentAction, out[1].Content.Type)
}

func TestPartSwitchFlushesPrevious(t *testing.T) {
	n := newTestNormalizer(t)

	require.Empty(t, n.Push(runner.ThoughtPart("p1", "first part")))
	out := n.Push(runner.ThoughtPart("p2", "second part"))
	require.Len(t, out, 1)
	assert.Equal(t, "first part", out[0].Content.Body)

	out = n.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, "second part", out[0].Content.Body)
}

func TestResumedPartEmitsOnlyNewText(t *testing.T) {
	n := newTestNormalizer(t)

	n.Push(runner.ThoughtPart("p1", "Hello"))
	out := n.Push(runner.Action("Bash", "tu-1", json.RawMessage(`{"command":"ls"}`)))
	require.Len(t, out, 2)
	assert.Equal(t, "Hello", out[0].Content.Body)

	// The runner keeps appending to the same part after the tool call.
	n.Push(runner.ThoughtPart("p1", "Hello world"))
	out = n.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, "world", out[0].Content.Body)

	assert.Empty(t, n.Flush())
}

func TestStandaloneThoughtFlushesBufferFirst(t *testing.T) {
	n := newTestNormalizer(t)

	n.Push(runner.ThoughtPart("p1", "buffered"))
	out := n.Push(runner.Thought("standalone"))
	require.Len(t, out, 2)
	assert.Equal(t, "buffered", out[0].Content.Body)
	assert.Equal(t, "standalone", out[1].Content.Body)
}

func TestActionAndResultShareFormatting(t *testing.T) {
	n := newTestNormalizer(t)

	out := n.Push(runner.Action("Read", "tu-1", json.RawMessage(`{"file_path":"cmd/main.go","offset":10,"limit":20}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "Read", out[0].Content.Action)
	assert.Equal(t, "cmd/main.go (lines 10-29)", out[0].Content.Parameter)

	out = n.Push(runner.Result("tu-1", "package main\n", false))
	require.Len(t, out, 1)
	assert.Equal(t, tracker.ContentResult, out[0].Content.Type)
	assert.Equal(t, "Read", out[0].Content.Action)
	assert.Equal(t, "cmd/main.go (lines 10-29)", out[0].Content.Parameter)
	assert.Equal(t, "```go\npackage main\n```", out[0].Content.Result)
}

func TestResultWithoutActionUsesFallbackName(t *testing.T) {
	n := newTestNormalizer(t)

	out := n.Push(runner.Result("unknown", "done", false))
	require.Len(t, out, 1)
	assert.Equal(t, "Tool", out[0].Content.Action)
	assert.Equal(t, "```\ndone\n```", out[0].Content.Result)
}

func TestEmptyOutputRendersPlaceholder(t *testing.T) {
	n := newTestNormalizer(t)

	n.Push(runner.Action("Bash", "tu-1", json.RawMessage(`{"command":"true"}`)))
	out := n.Push(runner.Result("tu-1", "  \n", false))
	require.Len(t, out, 1)
	assert.Equal(t, "(no output)", out[0].Content.Result)
}

func TestResultTruncatesAtLineBreak(t *testing.T) {
	n := newTestNormalizer(t)
	line := strings.Repeat("x", 99)
	output := strings.Repeat(line+"\n", 130)

	n.Push(runner.Action("Bash", "tu-1", json.RawMessage(`{"command":"cat big.txt"}`)))
	out := n.Push(runner.Result("tu-1", output, false))
	require.Len(t, out, 1)

	res := out[0].Content.Result
	assert.True(t, strings.HasSuffix(res, "… (truncated)\n```"), "got tail %q", res[len(res)-40:])
	assert.Less(t, len(res), len(output))

	// The cut lands on a line boundary, never mid-line.
	body := strings.TrimSuffix(strings.TrimPrefix(res, "```\n"), "\n```")
	lines := strings.Split(body, "\n")
	require.Greater(t, len(lines), 2)
	assert.Equal(t, line, lines[len(lines)-2])
}

func TestEditReconstructsUnifiedDiff(t *testing.T) {
	n := newTestNormalizer(t)

	n.Push(runner.Action("Edit", "tu-1", json.RawMessage(`{"file_path":"a.go","old_string":"foo\nbar","new_string":"foo\nbaz"}`)))
	out := n.Push(runner.Result("tu-1", "The file a.go has been updated", false))
	require.Len(t, out, 1)
	assert.Equal(t,
		"```diff\n--- a/a.go\n+++ b/a.go\n@@ -1,2 +1,2 @@\n foo\n-bar\n+baz\n```",
		out[0].Content.Result)
}

func TestEditInsertionDiff(t *testing.T) {
	n := newTestNormalizer(t)

	n.Push(runner.Action("Edit", "tu-1", json.RawMessage(`{"file_path":"a.go","old_string":"","new_string":"line1\nline2"}`)))
	out := n.Push(runner.Result("tu-1", "ok", false))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Content.Result, "@@ -1,0 +1,2 @@")
	assert.Contains(t, out[0].Content.Result, "+line1\n+line2")
}

func TestProviderDiffKeepsDiffFence(t *testing.T) {
	n := newTestNormalizer(t)

	// Runners that never see the old/new pair report the provider's diff as
	// the result output.
	n.Push(runner.Action("Edit", "tu-1", json.RawMessage(`{"file_path":"x.go"}`)))
	out := n.Push(runner.Result("tu-1", "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b", false))
	require.Len(t, out, 1)
	assert.True(t, strings.HasPrefix(out[0].Content.Result, "```diff\n"))
	assert.Contains(t, out[0].Content.Result, "-a\n+b")
}

func TestMCPActionAndJSONResult(t *testing.T) {
	n := newTestNormalizer(t)

	out := n.Push(runner.Action("mcp_linear_get_issue", "tu-1", json.RawMessage(`{"id":"ABC-1"}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "Linear: Get Issue", out[0].Content.Action)
	assert.Equal(t, `{"id":"ABC-1"}`, out[0].Content.Parameter)

	out = n.Push(runner.Result("tu-1", `{"id":"ABC-1","title":"Fix login"}`, false))
	require.Len(t, out, 1)
	assert.Equal(t, "Linear: Get Issue", out[0].Content.Action)
	assert.True(t, strings.HasPrefix(out[0].Content.Result, "```json\n"))
}

func TestFinalMarkerStripped(t *testing.T) {
	n := newTestNormalizer(t)

	out := n.Push(runner.Final(LastMessageMarker + "\n\nAll done."))
	require.Len(t, out, 1)
	assert.Equal(t, tracker.ContentResponse, out[0].Content.Type)
	assert.Equal(t, "All done.", out[0].Content.Body)
	assert.True(t, out[0].Canonical)

	out = n.Push(runner.Final("Intermediate summary."))
	require.Len(t, out, 1)
	assert.Equal(t, "Intermediate summary.", out[0].Content.Body)
	assert.False(t, out[0].Canonical)
}

func TestErrorEventBecomesErrorActivity(t *testing.T) {
	n := newTestNormalizer(t)

	out := n.Push(runner.ErrorEvent("model overloaded"))
	require.Len(t, out, 1)
	assert.Equal(t, tracker.ContentError, out[0].Content.Type)
	assert.Equal(t, "model overloaded", out[0].Content.Body)
}

func TestFinalFlushesBufferedPart(t *testing.T) {
	n := newTestNormalizer(t)

	n.Push(runner.ThoughtPart("p1", "thinking about it"))
	out := n.Push(runner.Final("Done."))
	require.Len(t, out, 2)
	assert.Equal(t, tracker.ContentThought, out[0].Content.Type)
	assert.Equal(t, tracker.ContentResponse, out[1].Content.Type)
}

package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ceedaragents/cyrus/internal/normalizer"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

func TestBuildFullPrompt(t *testing.T) {
	out := Build(Input{
		Issue: tracker.IssueData{
			Identifier:  "CEE-123",
			Title:       "Login fails on Safari",
			Description: "Users report a blank page after submitting credentials.",
			Labels:      []string{"Bug"},
			URL:         "https://linear.app/acme/issue/CEE-123",
		},
		Comments: []Comment{
			{Author: "dana", Body: "Only reproduces with third-party cookies blocked."},
			{Body: "   "},
		},
		Attachments: []string{"https://files.example/har-capture.har"},
		UserPrompt:  "Please fix this before the release.",
		LabelPrompts: map[string][]string{
			"debugger": {"Bug"},
			"builder":  {"Feature"},
		},
	})

	assert.Contains(t, out, "You are debugging a reported problem.")
	assert.Contains(t, out, "## Issue\n\nCEE-123: Login fails on Safari")
	assert.Contains(t, out, "Users report a blank page")
	assert.Contains(t, out, "https://linear.app/acme/issue/CEE-123")
	assert.Contains(t, out, "## Comments\n\n@dana:\nOnly reproduces")
	assert.Contains(t, out, "## Attachments\n\n- https://files.example/har-capture.har")
	assert.Contains(t, out, "## Request\n\nPlease fix this before the release.")
	assert.Contains(t, out, normalizer.LastMessageMarker)

	// Preamble comes first, marker instruction last.
	assert.True(t, strings.HasPrefix(out, "You are debugging"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), normalizer.LastMessageMarker+"."))
}

func TestBuildMinimalPrompt(t *testing.T) {
	out := Build(Input{
		Issue: tracker.IssueData{Identifier: "CEE-1", Title: "Do the thing"},
	})

	assert.Contains(t, out, "## Issue\n\nCEE-1: Do the thing")
	assert.NotContains(t, out, "## Comments")
	assert.NotContains(t, out, "## Attachments")
	assert.NotContains(t, out, "## Request")
	assert.Contains(t, out, normalizer.LastMessageMarker)
}

func TestBuildSkipsEmptyComments(t *testing.T) {
	out := Build(Input{
		Issue:    tracker.IssueData{Identifier: "CEE-2", Title: "t"},
		Comments: []Comment{{Author: "sam", Body: "  "}},
	})
	assert.NotContains(t, out, "@sam")
}

func TestPresetFor(t *testing.T) {
	prompts := map[string][]string{
		"debugger": {"Bug"},
		"builder":  {"Feature", "Enhancement"},
		"scoper":   {"PRD"},
	}

	tests := []struct {
		name   string
		labels []string
		want   string
	}{
		{"exact match", []string{"Bug"}, "debugger"},
		{"case insensitive", []string{"bug"}, "debugger"},
		{"second preset label", []string{"enhancement"}, "builder"},
		{"debugger wins over builder", []string{"Feature", "Bug"}, "debugger"},
		{"builder wins over scoper", []string{"PRD", "Feature"}, "builder"},
		{"no match", []string{"backend"}, ""},
		{"no labels", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PresetFor(tt.labels, prompts))
		})
	}
}

func TestPresetForNoConfig(t *testing.T) {
	assert.Equal(t, "", PresetFor([]string{"Bug"}, nil))
}

// Package prompt assembles the text a runner session starts from: a
// label-selected role preamble, the issue fields, the comment thread,
// attachment links, and the triggering request.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ceedaragents/cyrus/internal/normalizer"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// Preset names selectable through a repository's labelPrompts map.
const (
	PresetDebugger = "debugger"
	PresetBuilder  = "builder"
	PresetScoper   = "scoper"
)

// presetOrder fixes precedence when an issue carries labels from more than
// one preset.
var presetOrder = []string{PresetDebugger, PresetBuilder, PresetScoper}

const debuggerPreamble = `You are debugging a reported problem. Reproduce it first, find the root cause rather than patching symptoms, fix it, and add a regression test that fails without the fix.`

const builderPreamble = `You are implementing a feature. Follow the conventions already present in the repository, keep the change scoped to what the issue asks for, and cover the new behavior with tests.`

const scoperPreamble = `You are scoping work, not implementing it. Produce a short requirements document: the problem, the proposed approach, open questions, and a breakdown into implementable steps. Do not write code.`

// markerInstruction asks the agent to tag its closing message so the worker
// can tell the canonical final response apart from intermediate summaries.
var markerInstruction = fmt.Sprintf(
	"When you have fully finished, begin your final message with %s.",
	normalizer.LastMessageMarker)

// Comment is one entry of an issue's comment thread.
type Comment struct {
	Author string `json:"author,omitempty"`
	Body   string `json:"body"`
}

// Input carries everything the initial prompt is assembled from.
type Input struct {
	Issue       tracker.IssueData
	Comments    []Comment
	Attachments []string

	// UserPrompt is the triggering comment or session message, when the
	// session started from one.
	UserPrompt string

	// LabelPrompts maps preset names to the issue labels that select them,
	// from the repository configuration.
	LabelPrompts map[string][]string
}

// Build assembles the initial runner prompt.
func Build(in Input) string {
	var sb strings.Builder

	if preamble := preambleFor(PresetFor(in.Issue.Labels, in.LabelPrompts)); preamble != "" {
		sb.WriteString(preamble)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Issue\n\n")
	sb.WriteString(issueHeading(in.Issue))
	sb.WriteString("\n")
	if desc := strings.TrimSpace(in.Issue.Description); desc != "" {
		sb.WriteString("\n")
		sb.WriteString(desc)
		sb.WriteString("\n")
	}
	if in.Issue.URL != "" {
		sb.WriteString("\n")
		sb.WriteString(in.Issue.URL)
		sb.WriteString("\n")
	}

	if len(in.Comments) > 0 {
		sb.WriteString("\n## Comments\n")
		for _, c := range in.Comments {
			body := strings.TrimSpace(c.Body)
			if body == "" {
				continue
			}
			sb.WriteString("\n")
			if c.Author != "" {
				sb.WriteString("@" + c.Author + ":\n")
			}
			sb.WriteString(body)
			sb.WriteString("\n")
		}
	}

	if len(in.Attachments) > 0 {
		sb.WriteString("\n## Attachments\n\n")
		for _, url := range in.Attachments {
			sb.WriteString("- " + url + "\n")
		}
	}

	if req := strings.TrimSpace(in.UserPrompt); req != "" {
		sb.WriteString("\n## Request\n\n")
		sb.WriteString(req)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(markerInstruction)
	sb.WriteString("\n")

	return sb.String()
}

// PresetFor returns the preset selected by the issue's labels, or "" when
// none match. Label comparison is case-insensitive; when labels select more
// than one preset, debugger wins over builder wins over scoper.
func PresetFor(labels []string, labelPrompts map[string][]string) string {
	if len(labels) == 0 || len(labelPrompts) == 0 {
		return ""
	}

	have := make(map[string]bool, len(labels))
	for _, l := range labels {
		have[strings.ToLower(strings.TrimSpace(l))] = true
	}

	for _, preset := range presetOrder {
		for _, want := range labelPrompts[preset] {
			if have[strings.ToLower(strings.TrimSpace(want))] {
				return preset
			}
		}
	}
	return ""
}

func preambleFor(preset string) string {
	switch preset {
	case PresetDebugger:
		return debuggerPreamble
	case PresetBuilder:
		return builderPreamble
	case PresetScoper:
		return scoperPreamble
	default:
		return ""
	}
}

func issueHeading(issue tracker.IssueData) string {
	switch {
	case issue.Identifier != "" && issue.Title != "":
		return issue.Identifier + ": " + issue.Title
	case issue.Identifier != "":
		return issue.Identifier
	default:
		return issue.Title
	}
}

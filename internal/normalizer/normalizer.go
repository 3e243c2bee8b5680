// Package normalizer turns one session's runner event stream into tracker
// activity content. It owns the presentation rules shared by every runner
// type: cumulative text parts post once per part id, tool calls render
// through per-tool parameter formatters, results become fenced code blocks
// with bounded size, and the final-message marker is stripped.
package normalizer

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// LastMessageMarker prefixes the canonical final message of runners that
// surface intermediate assistant messages during a turn.
const LastMessageMarker = "___LAST_MESSAGE_MARKER___"

// Activity is one formatted activity ready to post.
type Activity struct {
	Content tracker.ActivityContent

	// Canonical marks a final response that carried the last-message
	// marker, distinguishing it from earlier intermediate messages.
	Canonical bool
}

type toolCall struct {
	name      string
	display   string
	parameter string
	input     map[string]any
}

// Normalizer converts runner events into tracker activities. One instance
// serves one session and is owned by that session's event loop; it is not
// safe for concurrent use.
type Normalizer struct {
	log *logger.Logger

	// Buffered cumulative text part. partBase is how much of it earlier
	// flushes already emitted.
	partID   string
	partText string
	partBase int
	emitted  map[string]int

	tools map[string]toolCall
}

// New creates a normalizer for one session.
func New(log *logger.Logger) *Normalizer {
	return &Normalizer{
		log:     log.WithFields(zap.String("component", "normalizer")),
		emitted: make(map[string]int),
		tools:   make(map[string]toolCall),
	}
}

// Push folds one runner event and returns the activities it produced, in
// post order. Cumulative text snapshots are held back until a non-text
// event, a different part id, or Flush.
func (n *Normalizer) Push(ev runner.Event) []Activity {
	switch ev.Kind {
	case runner.KindThought:
		return n.pushThought(ev)
	case runner.KindAction:
		return append(n.flushPart(), n.action(ev))
	case runner.KindResult:
		return append(n.flushPart(), n.result(ev))
	case runner.KindError:
		return append(n.flushPart(), Activity{Content: tracker.ActivityContent{
			Type: tracker.ContentError,
			Body: ev.Err,
		}})
	case runner.KindFinal:
		return append(n.flushPart(), n.final(ev))
	default:
		n.log.Debug("Dropping event of unknown kind", zap.String("kind", string(ev.Kind)))
		return nil
	}
}

// Flush emits any buffered text part. The coordinator calls it when the
// session ends without a final event.
func (n *Normalizer) Flush() []Activity {
	return n.flushPart()
}

func (n *Normalizer) pushThought(ev runner.Event) []Activity {
	if ev.PartID == "" {
		out := n.flushPart()
		if body := strings.TrimSpace(ev.Text); body != "" {
			out = append(out, thoughtActivity(body))
		}
		return out
	}
	if n.partID == ev.PartID {
		// Later snapshot of the same part; keep only the newest.
		n.partText = ev.Text
		return nil
	}
	out := n.flushPart()
	n.partID = ev.PartID
	n.partText = ev.Text
	n.partBase = n.emitted[ev.PartID]
	return out
}

// flushPart posts the buffered part once. A part that resumes after a flush
// (a tool call interleaved into the same text part) emits only the text past
// what was already posted, so nothing repeats.
func (n *Normalizer) flushPart() []Activity {
	if n.partID == "" {
		return nil
	}
	id, text, base := n.partID, n.partText, n.partBase
	n.partID, n.partText, n.partBase = "", "", 0
	if len(text) <= base {
		return nil
	}
	if len(text) > n.emitted[id] {
		n.emitted[id] = len(text)
	}
	body := strings.TrimSpace(text[base:])
	if body == "" {
		return nil
	}
	return []Activity{thoughtActivity(body)}
}

func (n *Normalizer) action(ev runner.Event) Activity {
	input := decodeInput(ev.Input)
	display := ev.Name
	if strings.HasPrefix(ev.Name, "mcp_") {
		display = prettyMCPName(ev.Name)
	}
	param := formatParameter(ev.Name, ev.Input, input)
	if ev.ToolUseID != "" {
		n.tools[ev.ToolUseID] = toolCall{
			name:      ev.Name,
			display:   display,
			parameter: param,
			input:     input,
		}
	}
	return Activity{Content: tracker.ActivityContent{
		Type:      tracker.ContentAction,
		Action:    display,
		Parameter: param,
	}}
}

func (n *Normalizer) result(ev runner.Event) Activity {
	tc, ok := n.tools[ev.ToolUseID]
	if ok {
		delete(n.tools, ev.ToolUseID)
	}
	display := tc.display
	if display == "" {
		display = "Tool"
	}
	return Activity{Content: tracker.ActivityContent{
		Type:      tracker.ContentResult,
		Action:    display,
		Parameter: tc.parameter,
		Result:    formatResult(tc, ev.Output),
	}}
}

func (n *Normalizer) final(ev runner.Event) Activity {
	body, canonical := StripLastMessageMarker(ev.Text)
	return Activity{
		Content: tracker.ActivityContent{
			Type: tracker.ContentResponse,
			Body: strings.TrimSpace(body),
		},
		Canonical: canonical,
	}
}

// StripLastMessageMarker removes the marker prefix from a final message and
// reports whether it was present.
func StripLastMessageMarker(text string) (string, bool) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(trimmed, LastMessageMarker) {
		return text, false
	}
	return strings.TrimLeft(strings.TrimPrefix(trimmed, LastMessageMarker), " \t\r\n"), true
}

func thoughtActivity(body string) Activity {
	return Activity{Content: tracker.ActivityContent{
		Type: tracker.ContentThought,
		Body: body,
	}}
}

func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

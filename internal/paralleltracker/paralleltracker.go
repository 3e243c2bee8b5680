// Package paralleltracker folds fan-out Task activity into one unified view.
// When an assistant turn launches two or more Task sub-agents at once, their
// events collapse into a single ephemeral tree activity that is re-rendered
// in place as the agents progress, ending in one summary when all of them
// have reported their result.
package paralleltracker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
)

// DefaultMaxAge is how long an unfinished group survives before cleanup.
const DefaultMaxAge = time.Hour

const taskToolName = "Task"

// Agent is one sub-agent of a fan-out group.
type Agent struct {
	ToolUseID     string
	Description   string
	ToolCount     int
	CurrentAction string
	Completed     bool
	Result        string
}

// Group is one detected fan-out.
type Group struct {
	ID        string
	CreatedAt time.Time

	// EphemeralActivityID is the tracker activity showing the view.
	// Pending is true from group creation until SetActivityID, covering
	// the window where the first create call is still in flight.
	EphemeralActivityID string
	Pending             bool

	agents map[string]*Agent
	order  []string
}

// View is a rendered unified view.
type View struct {
	GroupID string
	Body    string

	// Summary means every agent finished: post non-ephemerally, the group
	// is (or is about to be) gone.
	Summary bool

	// Pending is true while the group's first ephemeral post is still in
	// flight; hold re-posts until SetActivityID.
	Pending bool
}

// Outcome describes what the caller should do after one event.
type Outcome struct {
	// Consumed means the event belongs to a fan-out group and must not be
	// posted as an individual activity.
	Consumed bool

	// Released returns buffered Task actions that turned out not to form
	// a group; they post as ordinary activities.
	Released []runner.Event

	// Views are re-rendered group views, in occurrence order.
	Views []View
}

// Tracker detects and maintains the fan-out groups of one session.
type Tracker struct {
	mu  sync.Mutex
	log *logger.Logger
	now func() time.Time

	pending []runner.Event
	groups  map[string]*Group
	byTool  map[string]string
}

// New creates a tracker for one session.
func New(log *logger.Logger) *Tracker {
	return &Tracker{
		log:    log.WithFields(zap.String("component", "paralleltracker")),
		now:    time.Now,
		groups: make(map[string]*Group),
		byTool: make(map[string]string),
	}
}

// Observe folds one runner event.
//
// A run of parent-level Task actions is buffered until any other event
// arrives; two or more form a group right then, a single one is released
// back to the caller. Events carrying a ParentToolUseID of a group member
// and results for a member's own tool use are consumed into the view.
func (t *Tracker) Observe(ev runner.Event) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Kind == runner.KindAction && ev.Name == taskToolName && ev.ParentToolUseID == "" {
		t.pending = append(t.pending, ev)
		return Outcome{Consumed: true}
	}

	out := t.settleLocked()

	if ev.ParentToolUseID != "" {
		if gid, ok := t.byTool[ev.ParentToolUseID]; ok {
			out.Consumed = true
			if v := t.updateAgentLocked(gid, ev); v != nil {
				out.Views = append(out.Views, *v)
			}
		}
		return out
	}

	if ev.Kind == runner.KindResult {
		if gid, ok := t.byTool[ev.ToolUseID]; ok {
			out.Consumed = true
			if v := t.completeAgentLocked(gid, ev); v != nil {
				out.Views = append(out.Views, *v)
			}
		}
	}
	return out
}

// Settle flushes a buffered Task run without waiting for another event.
// The session loop calls it when the stream ends.
func (t *Tracker) Settle() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settleLocked()
}

// SetActivityID records the ephemeral activity backing a group's view and
// clears the pending flag. The returned view is the current render so the
// caller can repost anything that changed while the create was in flight;
// a summary view means the group completed meanwhile and is now removed.
func (t *Tracker) SetActivityID(groupID, activityID string) *View {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.groups[groupID]
	if g == nil {
		return nil
	}
	g.EphemeralActivityID = activityID
	g.Pending = false
	v := g.view()
	if v.Summary {
		t.removeLocked(g)
	}
	return &v
}

// Cleanup drops groups older than maxAge and reports how many were removed.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-maxAge)
	n := 0
	for _, g := range t.groups {
		if g.CreatedAt.Before(cutoff) {
			t.removeLocked(g)
			n++
		}
	}
	if n > 0 {
		t.log.Info("Dropped stale fan-out groups", zap.Int("count", n))
	}
	return n
}

// GroupCount reports live fan-out groups.
func (t *Tracker) GroupCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}

func (t *Tracker) settleLocked() Outcome {
	if len(t.pending) == 0 {
		return Outcome{}
	}
	calls := t.pending
	t.pending = nil
	if len(calls) < 2 {
		return Outcome{Released: calls}
	}

	g := &Group{
		ID:        uuid.NewString(),
		CreatedAt: t.now(),
		Pending:   true,
		agents:    make(map[string]*Agent, len(calls)),
	}
	for _, c := range calls {
		g.agents[c.ToolUseID] = &Agent{
			ToolUseID:   c.ToolUseID,
			Description: taskDescription(c.Input),
		}
		g.order = append(g.order, c.ToolUseID)
		t.byTool[c.ToolUseID] = g.ID
	}
	t.groups[g.ID] = g
	t.log.Info("Fan-out detected",
		zap.String("group_id", g.ID),
		zap.Int("agents", len(calls)))
	return Outcome{Views: []View{g.view()}}
}

func (t *Tracker) updateAgentLocked(gid string, ev runner.Event) *View {
	g := t.groups[gid]
	if g == nil {
		return nil
	}
	a := g.agents[ev.ParentToolUseID]
	if a == nil || a.Completed {
		return nil
	}
	// Only new tool calls change the tree; child text and tool results
	// would repost the same view.
	if ev.Kind != runner.KindAction {
		return nil
	}
	a.ToolCount++
	a.CurrentAction = actionLabel(ev)
	v := g.view()
	return &v
}

func (t *Tracker) completeAgentLocked(gid string, ev runner.Event) *View {
	g := t.groups[gid]
	if g == nil {
		return nil
	}
	a := g.agents[ev.ToolUseID]
	if a == nil || a.Completed {
		return nil
	}
	a.Completed = true
	a.CurrentAction = ""
	a.Result = ev.Output

	v := g.view()
	if v.Summary && !g.Pending {
		t.removeLocked(g)
	}
	return &v
}

func (t *Tracker) removeLocked(g *Group) {
	for _, id := range g.order {
		delete(t.byTool, id)
	}
	delete(t.groups, g.ID)
}

func (g *Group) view() View {
	done := 0
	for _, id := range g.order {
		if g.agents[id].Completed {
			done++
		}
	}

	var sb strings.Builder
	if done == len(g.order) {
		fmt.Fprintf(&sb, "Completed %d agents\n", len(g.order))
	} else {
		fmt.Fprintf(&sb, "Running %d of %d agents…\n", len(g.order)-done, len(g.order))
	}
	for _, id := range g.order {
		a := g.agents[id]
		glyph := "🔄"
		if a.Completed {
			glyph = "✅"
		}
		fmt.Fprintf(&sb, "%s %s (%d %s)\n", glyph, a.Description, a.ToolCount, plural(a.ToolCount))
		if !a.Completed && a.CurrentAction != "" {
			fmt.Fprintf(&sb, "   └ %s\n", a.CurrentAction)
		}
	}
	return View{
		GroupID: g.ID,
		Body:    strings.TrimSuffix(sb.String(), "\n"),
		Summary: done == len(g.order),
		Pending: g.Pending,
	}
}

func plural(n int) string {
	if n == 1 {
		return "tool"
	}
	return "tools"
}

func taskDescription(input json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return "Sub-agent"
	}
	if d, _ := m["description"].(string); d != "" {
		return d
	}
	if p, _ := m["prompt"].(string); p != "" {
		return shorten(strings.Join(strings.Fields(p), " "), 60)
	}
	return "Sub-agent"
}

// actionLabel is the compact current-action line: the tool name plus its
// most recognizable input field.
func actionLabel(ev runner.Event) string {
	var m map[string]any
	_ = json.Unmarshal(ev.Input, &m)
	for _, key := range []string{"command", "file_path", "pattern", "url", "query", "description"} {
		if v, _ := m[key].(string); v != "" {
			return ev.Name + ": " + shorten(strings.Join(strings.Fields(v), " "), 60)
		}
	}
	return ev.Name
}

func shorten(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

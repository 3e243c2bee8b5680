package coordinator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/cyruserr"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/normalizer"
	"github.com/ceedaragents/cyrus/internal/paralleltracker"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// active is one live session plus the plumbing its event goroutine owns.
// The loop goroutine is the sole writer of the embedded session; the
// manager touches only immutable identifiers, the runner handle under mu,
// and the channels.
type active struct {
	sess *session.Session

	// repo is the repository configuration captured at start. Reloads do
	// not rebind a live session.
	repo config.RepositoryConfig

	streaming bool

	events chan runner.Event
	input  chan string
	done   chan struct{}

	norm   *normalizer.Normalizer
	fanout *paralleltracker.Tracker

	// finalText is the latest final response, used by loop evaluation.
	// Once a marker-carrying final arrives it wins over intermediates.
	finalText     string
	canonicalSeen bool

	mu            sync.Mutex
	runner        runner.Runner
	stopRequested bool
	stopReason    string
}

// sink returns the event handler handed to the runner. Adapters guarantee
// every callback completes before Done closes, so the buffered channel has
// all events by the time the loop drains it.
func (a *active) sink() runner.EventHandler {
	return func(ev runner.Event) {
		a.events <- ev
	}
}

func (a *active) setRunner(r runner.Runner) {
	a.mu.Lock()
	a.runner = r
	a.mu.Unlock()
}

func (a *active) stopState() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopRequested, a.stopReason
}

// runSession is the per-session event goroutine. It drains runner events
// until exit, finalizes, and either relaunches for the next loop iteration
// or releases the session.
func (m *Manager) runSession(a *active) {
	defer m.wg.Done()
	for {
		m.streamEvents(a)
		if !m.completeAndPersist(context.Background(), a) {
			break
		}
	}
	m.release(a)
}

// streamEvents pumps runner events and follow-up input until the runner
// exits, then drains whatever the event channel still holds. a.input is nil
// for non-streaming sessions; a nil channel never fires in select.
func (m *Manager) streamEvents(a *active) {
	ctx := context.Background()
	r := a.sess.Runner
	for {
		select {
		case ev := <-a.events:
			m.processEvent(ctx, a, ev)
		case text := <-a.input:
			m.acceptFollowUp(ctx, a, text)
		case <-r.Done():
			for {
				select {
				case ev := <-a.events:
					m.processEvent(ctx, a, ev)
				default:
					return
				}
			}
		}
	}
}

// acceptFollowUp delivers a queued user message to the runner and records
// it in the narrative.
func (m *Manager) acceptFollowUp(ctx context.Context, a *active, text string) {
	sess := a.sess
	if err := sess.Runner.PushMessage(ctx, text); err != nil {
		m.logger.Warn("follow-up could not be delivered",
			zap.String("tracker_session_id", sess.TrackerSessionID),
			zap.Error(err))
		return
	}
	m.transition(ctx, sess, session.EventMessageReceived)
	sess.AppendNarrative(session.NarrativeEntry{
		ContentType: string(tracker.ContentPrompt),
		Body:        text,
		CreatedAt:   time.Now().UTC(),
	})
	m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
}

func (m *Manager) processEvent(ctx context.Context, a *active, ev runner.Event) {
	m.transition(ctx, a.sess, session.EventMessageReceived)
	m.publishOn(ctx, events.BuildRunnerEventSubject(a.sess.TrackerSessionID), events.RunnerEvent, a.sess, map[string]interface{}{
		"kind": string(ev.Kind),
		"name": ev.Name,
	})

	if ev.Kind == runner.KindFinal {
		m.noteFinal(a, ev)
	}

	out := a.fanout.Observe(ev)
	for _, rel := range out.Released {
		m.postActivities(ctx, a, a.norm.Push(rel))
	}
	m.postViews(ctx, a, out.Views)
	if out.Consumed {
		return
	}

	m.postActivities(ctx, a, a.norm.Push(ev))

	if ev.Kind == runner.KindFinal && a.streaming {
		m.maybeCompleteStream(a)
	}
}

func (m *Manager) noteFinal(a *active, ev runner.Event) {
	body, canonical := normalizer.StripLastMessageMarker(ev.Text)
	if canonical || !a.canonicalSeen {
		a.finalText = strings.TrimSpace(body)
	}
	if canonical {
		a.canonicalSeen = true
	}
}

// maybeCompleteStream closes the input stream after a final response so the
// runner process can finish its turn and exit, unless a follow-up is
// already queued to extend the turn.
func (m *Manager) maybeCompleteStream(a *active) {
	select {
	case text := <-a.input:
		m.acceptFollowUp(context.Background(), a, text)
	default:
		if err := a.sess.Runner.CompleteStream(); err != nil {
			m.logger.Debug("input stream already closed", zap.Error(err))
		}
	}
}

func (m *Manager) postActivities(ctx context.Context, a *active, acts []normalizer.Activity) {
	for _, act := range acts {
		m.postOne(ctx, a, act.Content, false)
	}
}

func (m *Manager) postViews(ctx context.Context, a *active, views []paralleltracker.View) {
	for _, v := range views {
		m.postView(ctx, a, v)
	}
}

// postView renders one fan-out group view. The first post of a group is
// ephemeral and registers its activity id with the tracker; if the view
// moved on while that post was in flight, the newer render posts too.
func (m *Manager) postView(ctx context.Context, a *active, v paralleltracker.View) {
	content := tracker.ActivityContent{Type: tracker.ContentThought, Body: v.Body}
	if v.Summary {
		m.postOne(ctx, a, content, false)
		return
	}
	if v.Pending {
		id, ok := m.postOne(ctx, a, content, true)
		if !ok {
			return
		}
		if cur := a.fanout.SetActivityID(v.GroupID, id); cur != nil && cur.Body != v.Body {
			m.postView(ctx, a, *cur)
		}
		return
	}
	m.postOne(ctx, a, content, true)
}

// postOne posts a single activity with bounded retries. Exhausted
// non-ephemeral posts are buffered on the session for a post-restart
// re-attempt; ephemeral views are progress renders and just drop.
func (m *Manager) postOne(ctx context.Context, a *active, content tracker.ActivityContent, ephemeral bool) (string, bool) {
	sess := a.sess
	var lastErr error
	for attempt := 1; attempt <= m.postAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(m.retryDelay(attempt - 1))
		}
		callCtx, cancel := context.WithTimeout(ctx, postTimeout)
		id, err := m.tracker.PostActivity(callCtx, sess.TrackerSessionID, content, ephemeral)
		cancel()
		if err == nil {
			if !ephemeral {
				sess.AppendNarrative(entryFor(content, ephemeral))
				m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
			}
			m.publishOn(ctx, events.BuildActivitySubject(sess.TrackerSessionID), events.ActivityPosted, sess, map[string]interface{}{
				"activity_id":  id,
				"content_type": string(content.Type),
				"ephemeral":    ephemeral,
			})
			return id, true
		}
		lastErr = err
		m.logger.Warn("activity post failed",
			zap.String("tracker_session_id", sess.TrackerSessionID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	if !ephemeral {
		sess.PendingActivities = append(sess.PendingActivities, entryFor(content, ephemeral))
		m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
	}
	m.publish(ctx, events.ActivityFailed, sess, map[string]interface{}{
		"content_type": string(content.Type),
		"error":        lastErr.Error(),
	})
	return "", false
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * m.postBase
	jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	return backoff + jitter
}

// completeAndPersist finalizes one runner exit. It returns true when the
// session continues with another loop iteration instead of ending.
func (m *Manager) completeAndPersist(ctx context.Context, a *active) bool {
	sess := a.sess
	st := sess.Runner.Exit()

	out := a.fanout.Settle()
	for _, rel := range out.Released {
		m.postActivities(ctx, a, a.norm.Push(rel))
	}
	m.postViews(ctx, a, out.Views)
	m.postActivities(ctx, a, a.norm.Flush())

	if hint := sess.Runner.SessionID(); hint != "" {
		sess.Selection.ResumeSessionID = hint
		m.writer.SetRunnerSelection(sess.TrackerSessionID, sess.Selection)
	}

	stopRequested, stopReason := a.stopState()
	clean := st.Code == 0 && st.Err == nil && !stopRequested

	if clean && m.continueLoop(ctx, a) {
		return true
	}

	now := time.Now().UTC()
	sess.EndedAt = &now
	code := st.Code
	sess.ExitCode = &code
	sess.StderrTail = st.StderrTail

	switch {
	case clean:
		m.transition(ctx, sess, session.EventResultReceived)
		m.transition(ctx, sess, session.EventCleanupComplete)
		m.moveIssue(ctx, sess, tracker.IssueStateCompleted)
		m.logger.Info("session completed",
			zap.String("tracker_session_id", sess.TrackerSessionID),
			zap.String("issue", sess.IssueIdentifier))
		m.publish(ctx, events.SessionCompleted, sess, nil)

	case stopRequested || st.Code == exitCodeTerminated:
		kind := cyruserr.KindRunnerTerminated
		if stopRequested && st.Code != exitCodeTerminated {
			kind = cyruserr.KindRunnerAborted
		}
		m.transition(ctx, sess, session.EventStopSignal)
		m.transition(ctx, sess, session.EventRunnerStopped)
		m.moveIssue(ctx, sess, tracker.IssueStatePaused)
		m.logger.Info("session stopped",
			zap.String("tracker_session_id", sess.TrackerSessionID),
			zap.String("kind", string(kind)),
			zap.String("reason", stopReason),
			zap.Int("exit_code", st.Code))
		m.publish(ctx, events.SessionStopped, sess, map[string]interface{}{
			"reason": stopReason,
		})

	default:
		perr := cyruserr.NewProcessExit(st.Code, truncateTail(st.StderrTail, stderrPostMax))
		m.postOne(ctx, a, tracker.ActivityContent{
			Type: tracker.ContentError,
			Body: perr.Error(),
		}, false)
		m.transition(ctx, sess, session.EventError)
		m.moveIssue(ctx, sess, tracker.IssueStateFailed)
		m.logger.Error("session failed",
			zap.String("tracker_session_id", sess.TrackerSessionID),
			zap.Int("exit_code", st.Code),
			zap.Error(st.Err))
		m.publish(ctx, events.SessionFailed, sess, map[string]interface{}{
			"exit_code": st.Code,
		})
	}

	m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
	if sess.Status() == session.StatusCompleted && !a.streaming {
		m.writer.MarkFinalizedNonClaude(sess.TrackerSessionID)
	}
	if err := m.store.RemoveActiveSession(sess.TrackerSessionID); err != nil {
		m.logger.Warn("failed to clear active work", zap.Error(err))
	}
	return false
}

// continueLoop evaluates the iterative loop after a clean exit and, when it
// continues, relaunches the runner in the same workspace.
func (m *Manager) continueLoop(ctx context.Context, a *active) bool {
	sess := a.sess
	dec := m.loopctl.Evaluate(sess.Ralph, a.finalText)

	if dec.Summary != "" {
		m.postOne(ctx, a, tracker.ActivityContent{
			Type: tracker.ContentThought,
			Body: dec.Summary,
		}, false)
		m.publish(ctx, events.RalphLoopCompleted, sess, map[string]interface{}{
			"reason":    dec.Reason,
			"iteration": sess.Ralph.Iteration,
		})
	}
	if sess.Ralph != nil {
		if err := m.loopctl.WriteStateFile(sess.WorkspacePath, sess.Ralph); err != nil {
			m.logger.Warn("failed to write loop state file", zap.Error(err))
		}
	}
	if !dec.Continue {
		return false
	}

	if err := m.launch(ctx, a, dec.Prompt); err != nil {
		sess.Ralph.Active = false
		m.logger.Error("failed to launch next loop iteration",
			zap.String("tracker_session_id", sess.TrackerSessionID),
			zap.Int("iteration", sess.Ralph.Iteration),
			zap.Error(err))
		m.postOne(ctx, a, tracker.ActivityContent{
			Type: tracker.ContentError,
			Body: fmt.Sprintf("Loop stopped: iteration %d could not start.", sess.Ralph.Iteration),
		}, false)
		return false
	}

	a.finalText = ""
	a.canonicalSeen = false
	m.publish(ctx, events.RalphIterationStarted, sess, map[string]interface{}{
		"iteration": sess.Ralph.Iteration,
	})
	m.postOne(ctx, a, tracker.ActivityContent{
		Type: tracker.ContentThought,
		Body: fmt.Sprintf("Continuing to iteration %d.", sess.Ralph.Iteration),
	}, false)
	m.writer.UpdateSession(sess.ToSnapshot(), sess.Narrative)
	return true
}

// release drops a finished session from the registry. Stopped sessions park
// for a later resume.
func (m *Manager) release(a *active) {
	sess := a.sess
	sess.Runner = nil
	a.setRunner(nil)

	m.mu.Lock()
	delete(m.sessions, sess.TrackerSessionID)
	if m.byIssue[sess.IssueID] == sess.TrackerSessionID {
		delete(m.byIssue, sess.IssueID)
	}
	if sess.Status() == session.StatusStopped {
		m.parked[sess.TrackerSessionID] = sess
	}
	m.mu.Unlock()

	close(a.done)
	m.logger.Debug("session released",
		zap.String("tracker_session_id", sess.TrackerSessionID),
		zap.String("status", string(sess.Status())))
}

// moveIssue mirrors the session outcome onto the issue's workflow state.
// The tracker resolves the state name per team; a failure only costs the
// status column, never the session.
func (m *Manager) moveIssue(ctx context.Context, sess *session.Session, stateType tracker.IssueStateType) {
	if err := m.tracker.UpdateIssueState(ctx, sess.IssueID, stateType); err != nil {
		m.logger.Warn("failed to update issue state",
			zap.String("issue_id", sess.IssueID),
			zap.String("state", string(stateType)),
			zap.Error(err))
	}
}

func entryFor(content tracker.ActivityContent, ephemeral bool) session.NarrativeEntry {
	return session.NarrativeEntry{
		ContentType: string(content.Type),
		Body:        content.Body,
		Action:      content.Action,
		Parameter:   content.Parameter,
		Result:      content.Result,
		Ephemeral:   ephemeral,
		CreatedAt:   time.Now().UTC(),
	}
}

func contentFor(entry session.NarrativeEntry) tracker.ActivityContent {
	return tracker.ActivityContent{
		Type:      tracker.ContentType(entry.ContentType),
		Body:      entry.Body,
		Action:    entry.Action,
		Parameter: entry.Parameter,
		Result:    entry.Result,
	}
}

// truncateTail keeps the last max runes of s.
func truncateTail(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[len(runes)-max:])
}

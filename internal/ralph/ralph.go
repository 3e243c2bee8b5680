// Package ralph drives the iterative "keep going" loop for issues labeled
// ralph-wiggum. Each time a session completes, the controller decides
// whether to launch another iteration against the same workspace or to end
// the loop, and mirrors the loop state into a markdown file in the
// workspace so the agent (and a human) can see where the loop stands.
package ralph

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/session"
)

const (
	labelPrefix = "ralph-wiggum"

	// DefaultMaxIterations bounds a loop whose label does not carry an
	// explicit count. A count of 0 means unlimited.
	DefaultMaxIterations = 10

	// StateFileName is the per-workspace loop state file.
	StateFileName = "ralph-loop.local.md"
)

// FromLabels inspects issue labels for a ralph-wiggum marker and returns the
// initial loop state, or nil when the issue is not looped. `ralph-wiggum-N`
// sets the iteration cap to N.
func FromLabels(labels []string, originalPrompt string) *session.RalphState {
	for _, label := range labels {
		name := strings.ToLower(strings.TrimSpace(label))
		if name == labelPrefix {
			return newState(DefaultMaxIterations, originalPrompt)
		}
		if rest, ok := strings.CutPrefix(name, labelPrefix+"-"); ok {
			if n, err := strconv.Atoi(rest); err == nil && n >= 0 {
				return newState(n, originalPrompt)
			}
		}
	}
	return nil
}

func newState(maxIterations int, originalPrompt string) *session.RalphState {
	now := time.Now().UTC()
	return &session.RalphState{
		Active:         true,
		Iteration:      1,
		MaxIterations:  maxIterations,
		OriginalPrompt: originalPrompt,
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

// Decision is the controller's verdict after a completed iteration.
type Decision struct {
	// Continue asks the coordinator to start a fresh session in the same
	// workspace with Prompt, reusing the resume hint.
	Continue bool
	Prompt   string

	// Summary is the terminal activity to post when the loop ends.
	Summary string

	// Reason says why the loop ended or continued, for logs.
	Reason string
}

// Controller evaluates loop state against iteration outcomes.
type Controller struct {
	log *logger.Logger
	now func() time.Time
}

// NewController creates a controller.
func NewController(log *logger.Logger) *Controller {
	return &Controller{
		log: log.WithFields(zap.String("component", "ralph")),
		now: time.Now,
	}
}

// Evaluate consults the loop with the iteration's final text. On continue it
// advances the iteration counter in place; otherwise it deactivates the
// loop. A nil or inactive state never continues.
func (c *Controller) Evaluate(state *session.RalphState, finalText string) Decision {
	if state == nil || !state.Active {
		return Decision{Reason: "loop inactive"}
	}

	if state.CompletionPhrase != "" && containsFold(finalText, state.CompletionPhrase) {
		c.deactivate(state)
		c.log.Info("Loop finished on completion phrase", zap.Int("iteration", state.Iteration))
		return Decision{
			Summary: fmt.Sprintf("Loop complete: the completion phrase appeared in iteration %d's final response.", state.Iteration),
			Reason:  "completion phrase",
		}
	}

	if state.MaxIterations > 0 && state.Iteration >= state.MaxIterations {
		c.deactivate(state)
		c.log.Info("Loop finished on iteration limit", zap.Int("max_iterations", state.MaxIterations))
		return Decision{
			Summary: fmt.Sprintf("Loop stopped at the iteration limit (%d).", state.MaxIterations),
			Reason:  "iteration limit",
		}
	}

	previous := state.Iteration
	state.Iteration++
	state.UpdatedAt = c.now().UTC()
	c.log.Info("Loop continuing",
		zap.Int("iteration", state.Iteration),
		zap.Int("max_iterations", state.MaxIterations))
	return Decision{
		Continue: true,
		Prompt:   continuationPrompt(state, previous),
		Reason:   "goal not reached",
	}
}

func (c *Controller) deactivate(state *session.RalphState) {
	state.Active = false
	state.UpdatedAt = c.now().UTC()
}

func continuationPrompt(state *session.RalphState, previous int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "This is iteration %d of an automated loop; iteration %d just finished in this workspace.\n\n", state.Iteration, previous)
	sb.WriteString("Review what the previous iteration accomplished, then keep working toward the original goal:\n\n")
	sb.WriteString(strings.TrimSpace(state.OriginalPrompt))
	sb.WriteString("\n")
	if state.CompletionPhrase != "" {
		fmt.Fprintf(&sb, "\nWhen the goal is fully achieved, include the exact phrase %q in your final message.\n", state.CompletionPhrase)
	}
	return sb.String()
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

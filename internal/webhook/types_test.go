package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("agent session created with nested issue", func(t *testing.T) {
		ev, err := Parse([]byte(`{
			"type": "AgentSessionEvent",
			"action": "created",
			"organizationId": "org-1",
			"agentSession": {
				"id": "as-42",
				"issue": {
					"id": "i1", "identifier": "FE-12", "title": "Fix dropdown",
					"team": {"key": "FE"},
					"labels": [{"name": "ui"}, {"name": "Bug"}]
				}
			}
		}`))
		require.NoError(t, err)
		assert.Equal(t, KindAgentSessionCreated, ev.Kind)
		assert.Equal(t, "org-1", ev.OrganizationID)
		assert.Equal(t, "as-42", ev.AgentSessionID)
		assert.Equal(t, "i1", ev.IssueID)
		assert.Equal(t, "FE", ev.TeamKey)
		assert.Equal(t, []string{"ui", "Bug"}, ev.Labels)
		assert.False(t, ev.ReceivedAt.IsZero())
	})

	t.Run("prompted carries the message content", func(t *testing.T) {
		ev, err := Parse([]byte(`{
			"type": "AgentSessionEvent",
			"action": "prompted",
			"organizationId": "org-1",
			"agentSession": {"id": "as-42", "issue": {"id": "i1", "identifier": "FE-12"}},
			"message": {"content": "please also fix the hover state"}
		}`))
		require.NoError(t, err)
		assert.Equal(t, KindAgentSessionPrompted, ev.Kind)
		assert.Equal(t, "please also fix the hover state", ev.Prompt)
	})

	t.Run("labels accept plain string arrays", func(t *testing.T) {
		ev, err := Parse([]byte(`{
			"type": "Issue", "action": "assigned", "organizationId": "org-1",
			"issue": {"id": "i1", "labels": ["ui", "api"]}
		}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"ui", "api"}, ev.Labels)
	})

	t.Run("absent labels stay nil for lazy fetch", func(t *testing.T) {
		ev, err := Parse([]byte(`{
			"type": "Issue", "action": "assigned", "organizationId": "org-1",
			"issue": {"id": "i1", "identifier": "FE-12", "team": {"key": "FE"}}
		}`))
		require.NoError(t, err)
		assert.Nil(t, ev.Labels)
	})

	t.Run("comment mention carries comment id and body", func(t *testing.T) {
		ev, err := Parse([]byte(`{
			"type": "Issue", "action": "commented", "organizationId": "org-1",
			"issue": {"id": "i1"},
			"comment": {"id": "c9", "body": "@cyrus take a look"},
			"actor": {"name": "dana"}
		}`))
		require.NoError(t, err)
		assert.Equal(t, KindIssueCommentMention, ev.Kind)
		assert.Equal(t, "c9", ev.CommentID)
		assert.Equal(t, "@cyrus take a look", ev.Prompt)
		assert.Equal(t, "dana", ev.Author)
	})

	t.Run("unassigned and status changed classify", func(t *testing.T) {
		ev, err := Parse([]byte(`{"type":"Issue","action":"unassigned","issue":{"id":"i1"}}`))
		require.NoError(t, err)
		assert.Equal(t, KindIssueUnassigned, ev.Kind)

		ev, err = Parse([]byte(`{"type":"Issue","action":"statusChanged","issue":{"id":"i1"}}`))
		require.NoError(t, err)
		assert.Equal(t, KindIssueStatusChanged, ev.Kind)
	})

	t.Run("notification style actions classify", func(t *testing.T) {
		ev, err := Parse([]byte(`{"type":"AppUserNotification","action":"issueAssignedToYou","issue":{"id":"i1"}}`))
		require.NoError(t, err)
		assert.Equal(t, KindIssueAssigned, ev.Kind)

		ev, err = Parse([]byte(`{"type":"AppUserNotification","action":"issueCommentMention","issue":{"id":"i1"},"comment":{"id":"c1","body":"hi"}}`))
		require.NoError(t, err)
		assert.Equal(t, KindIssueCommentMention, ev.Kind)
	})

	t.Run("attachment urls are collected", func(t *testing.T) {
		ev, err := Parse([]byte(`{
			"type": "Issue", "action": "commented",
			"issue": {"id": "i1"}, "comment": {"id": "c1", "body": "see log"},
			"attachments": [{"url": "https://files.example/log.txt"}]
		}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"https://files.example/log.txt"}, ev.Attachments)
	})
}

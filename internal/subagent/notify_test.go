package subagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNotificationsExtractsFields(t *testing.T) {
	text := `Some preamble.
<background_agent_notification>
<tool_use_id>tu_9</tool_use_id>
<status>completed</status>
<summary>ran the migration</summary>
</background_agent_notification>
trailing text`

	notes := ParseNotifications(text)
	require.Len(t, notes, 1)
	assert.Equal(t, "tu_9", notes[0].ToolUseID)
	assert.Equal(t, StatusCompleted, notes[0].Status)
	assert.Equal(t, "ran the migration", notes[0].Summary)
}

func TestParseNotificationsSkipsBlockWithoutToolUseID(t *testing.T) {
	text := `<background_agent_notification><status>completed</status></background_agent_notification>`
	assert.Empty(t, ParseNotifications(text))
}

func TestParseNotificationsFailedStatus(t *testing.T) {
	text := `<background_agent_notification><tool_use_id>tu_5</tool_use_id><status>failed</status></background_agent_notification>`
	notes := ParseNotifications(text)
	require.Len(t, notes, 1)
	assert.Equal(t, StatusFailed, notes[0].Status)
}

func TestApplyReconcilesAgainstTracker(t *testing.T) {
	tracker := New()
	tracker.OnToolUseStart("tu_9")
	tracker.Apply([]Notification{{ToolUseID: "tu_9", Status: StatusCompleted, Summary: "done"}})

	r, ok := tracker.Get("tu_9")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "done", r.Result)
}

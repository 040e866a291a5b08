package subagent

import (
	"regexp"
	"strings"
)

// Notification is a parsed <background_agent_notification> block the
// supervising assistant may inject into a later user turn to report a
// sub-agent's outcome inline, as an alternative to the mailbox-file path.
type Notification struct {
	ToolUseID string
	Status    Status
	Summary   string
}

var notificationBlock = regexp.MustCompile(`(?s)<background_agent_notification>(.*?)</background_agent_notification>`)
var notificationField = regexp.MustCompile(`(?s)<(\w+)>(.*?)</\w+>`)

// ParseNotifications extracts every background_agent_notification block
// found in text. Malformed or partial blocks are skipped, never causing an
// error: notifications are a best-effort reconciliation path, and a missed
// one simply leaves that sub-agent status to whichever other path reports
// it.
func ParseNotifications(text string) []Notification {
	var out []Notification
	for _, block := range notificationBlock.FindAllStringSubmatch(text, -1) {
		fields := make(map[string]string)
		for _, f := range notificationField.FindAllStringSubmatch(block[1], -1) {
			fields[f[1]] = strings.TrimSpace(f[2])
		}
		toolUseID := fields["tool_use_id"]
		if toolUseID == "" {
			continue
		}
		status := StatusCompleted
		if strings.EqualFold(fields["status"], "failed") {
			status = StatusFailed
		}
		out = append(out, Notification{
			ToolUseID: toolUseID,
			Status:    status,
			Summary:   fields["summary"],
		})
	}
	return out
}

// Apply reconciles every parsed notification against the tracker.
func (t *Tracker) Apply(notifications []Notification) {
	for _, n := range notifications {
		if n.Status == StatusFailed {
			t.Fail(n.ToolUseID, n.Summary)
		} else {
			t.Complete(n.ToolUseID, n.Summary)
		}
	}
}

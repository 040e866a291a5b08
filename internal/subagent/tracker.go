// Package subagent tracks sub-agent ("Task" tool) dispatches within an
// assistant turn: detecting when one is launched, extracting its label as
// soon as enough of its streamed input JSON has arrived, and reconciling its
// outcome through whichever of three paths reports it first.
package subagent

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
)

// Status is the sub-agent lifecycle.
type Status string

const (
	StatusRunning    Status = "running"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record describes one sub-agent dispatch.
type Record struct {
	ToolUseID string
	Label     string
	Status    Status
	Result    string
}

// Tracker holds every sub-agent record seen during one assistant turn,
// keyed by the dispatching tool_use id.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

// dispatchToolNames lists tool names that always launch a sub-agent
// regardless of what IsDispatch's substring check would otherwise decide;
// "Task" is the conventional dispatch tool name in the wild.
var dispatchToolNames = map[string]bool{
	"Task": true,
}

// IsDispatch reports whether toolName launches a sub-agent: an exact match
// against a known dispatch tool name, or a name containing "agent" or
// "dispatch" (case-insensitive), per spec.
func IsDispatch(toolName string) bool {
	if dispatchToolNames[toolName] {
		return true
	}
	lower := strings.ToLower(toolName)
	return strings.Contains(lower, "agent") || strings.Contains(lower, "dispatch")
}

// OnToolUseStart registers a new sub-agent the moment its tool_use content
// block starts streaming, before its input JSON is complete.
func (t *Tracker) OnToolUseStart(toolUseID string) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &Record{ToolUseID: toolUseID, Status: StatusRunning}
	t.records[toolUseID] = r
	return r
}

// descriptionPattern and subagentTypePattern extract a label from partial,
// possibly-truncated JSON while input_json_delta chunks are still arriving,
// without waiting for a fully parseable document. description wins over
// subagent_type when both are present, since it is the more specific label.
var descriptionPattern = regexp.MustCompile(`"description"\s*:\s*"((?:[^"\\]|\\.)*)`)
var subagentTypePattern = regexp.MustCompile(`"subagent_type"\s*:\s*"((?:[^"\\]|\\.)*)`)

// ApplyPartialInput updates the record's label as more of the tool_use
// input JSON streams in. Safe to call repeatedly with the cumulative
// partial JSON seen so far; it is never assumed to be valid JSON.
func (t *Tracker) ApplyPartialInput(toolUseID, partialJSON string) {
	match := descriptionPattern.FindStringSubmatch(partialJSON)
	if match == nil {
		match = subagentTypePattern.FindStringSubmatch(partialJSON)
	}
	if match == nil {
		return
	}
	label := unescapeJSONString(match[1])

	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[toolUseID]
	if !ok {
		return
	}
	r.Label = label
	if r.Status == StatusRunning {
		r.Status = StatusDispatched
	}
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err == nil {
		return out
	}
	return strings.ReplaceAll(s, `\"`, `"`)
}

// Complete marks a sub-agent completed with its tool result text, the first
// reconciliation path to arrive wins; later calls for the same id are
// ignored so an inline tool_result cannot be clobbered by a slower mailbox
// notification for the same dispatch.
func (t *Tracker) Complete(toolUseID, result string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[toolUseID]
	if !ok || r.Status == StatusCompleted || r.Status == StatusFailed {
		return
	}
	r.Status = StatusCompleted
	r.Result = result
}

// Fail marks a sub-agent failed, subject to the same first-wins rule as
// Complete.
func (t *Tracker) Fail(toolUseID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[toolUseID]
	if !ok || r.Status == StatusCompleted || r.Status == StatusFailed {
		return
	}
	r.Status = StatusFailed
	r.Result = reason
}

// Get returns the record for toolUseID, if tracked.
func (t *Tracker) Get(toolUseID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[toolUseID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// All returns a snapshot of every tracked record, in no particular order.
func (t *Tracker) All() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

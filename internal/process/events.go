package process

import (
	"encoding/json"

	"github.com/tgccd/tgccd/internal/protocol"
)

// EventKind discriminates the synthetic events a Supervisor emits on top of
// the raw NDJSON events it forwards.
type EventKind string

const (
	// KindRaw wraps a passthrough protocol.Event for the accumulator and
	// sub-agent tracker to interpret.
	KindRaw EventKind = "raw"
	// KindPermissionRequest is a can_use_tool control_request surfaced for
	// the bridge to show the user.
	KindPermissionRequest EventKind = "permission_request"
	// KindExit fires once the child process has terminated and state has
	// returned to idle.
	KindExit EventKind = "exit"
	// KindTakeover fires before KindExit when the child exited unexpectedly
	// and was not killed by us.
	KindTakeover EventKind = "takeover"
	// KindHang fires when the hang timer concludes the child is stuck.
	KindHang EventKind = "hang"
	// KindError fires on spawn failure. A failed stdin write is logged and the
	// message dropped without an event.
	KindError EventKind = "error"
)

// Event is the supervisor's unified event type.
type Event struct {
	Kind              EventKind
	Raw               protocol.Event
	PermissionRequest *protocol.PermissionRequest
	RequestID         string
	Err               error
	ExitCode          int
}

func decodePermissionRequest(req json.RawMessage) *protocol.PermissionRequest {
	var pr protocol.PermissionRequest
	if err := json.Unmarshal(req, &pr); err != nil {
		return nil
	}
	return &pr
}

// Package adminsocket implements the two local Unix domain sockets the
// daemon exposes: a control socket for an admin CLI to query/drive agents,
// and a supervisor-registration socket whose commands the bridge orchestrator
// handles. Both speak newline-delimited JSON, one request or response per
// line, matching the wire framing spec.md's §4.7 calls for.
package adminsocket

import "encoding/json"

// Request is one control-socket command. Command-specific arguments live in
// Args as a raw document so each handler can decode what it needs.
type Request struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response is the corresponding reply. Exactly one of Result/Error is set.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PingArgs, StatusArgs and SendArgs are the per-command argument shapes the
// control socket understands.
type PingArgs struct{}

type StatusArgs struct {
	WorkingDir string `json:"working_dir"`
	SessionID  string `json:"session_id,omitempty"`
}

type SendArgs struct {
	WorkingDir string `json:"working_dir"`
	SessionID  string `json:"session_id,omitempty"`
	Text       string `json:"text"`
}

// StatusResult mirrors the fields an admin client cares about for one agent.
type StatusResult struct {
	WorkingDir string  `json:"working_dir"`
	SessionID  string  `json:"session_id"`
	State      string  `json:"state"`
	Activity   string  `json:"activity"`
	Cost       float64 `json:"cost"`
}

func ok(v any) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Result: raw}
}

func fail(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
)

// AssistantMessage is the decoded `message` field of an assistant or user
// event: role, content blocks, and token usage for the turn so far.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ParseMessage decodes the RawMessage field of an assistant/user Event. It
// never errors on malformed input; a failed decode returns a zero value, in
// keeping with the codec's "never throws" policy.
func ParseMessage(raw json.RawMessage) AssistantMessage {
	var m AssistantMessage
	if len(raw) == 0 {
		return m
	}
	_ = json.Unmarshal(raw, &m)
	return m
}

// Scanner reads NDJSON events one line at a time from an assistant's stdout.
// One event per line; empty lines are ignored; a line that fails to parse is
// logged and dropped, never terminating the stream.
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner wraps r with a line scanner sized for long streaming lines.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Scanner{scanner: s}
}

// Next returns the next parsed event, or ok=false once the stream ends.
// Malformed or empty lines are skipped transparently.
func (s *Scanner) Next() (Event, bool) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("protocol: dropping malformed NDJSON line: %v", err)
			continue
		}
		switch ev.Type {
		case "system", "assistant", "user", "result", "tool_result",
			"control_request", "control_response", "stream_event":
		default:
			log.Printf("protocol: dropping unknown event type %q", ev.Type)
			continue
		}
		return ev, true
	}
	return Event{}, false
}

// Err returns any non-EOF error the underlying scan encountered.
func (s *Scanner) Err() error {
	return s.scanner.Err()
}

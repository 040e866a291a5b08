// Package protocol defines the NDJSON wire types exchanged with an assistant
// subprocess over its stdin/stdout, and the helpers that build the handful of
// messages the daemon sends.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ContentBlock mirrors one element of an assistant message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
}

// ImageSource is the base64 image payload carried by an image content block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Usage is the token/cost accounting attached to assistant and result events.
type Usage struct {
	InputTokens              int     `json:"input_tokens,omitempty"`
	OutputTokens             int     `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int     `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int     `json:"cache_read_input_tokens,omitempty"`
	CostUSD                  *float64 `json:"cost_usd,omitempty"`
}

// Event is the tagged union of every NDJSON line the assistant writes to
// stdout. Only the fields relevant to the active Type/Subtype are populated;
// everything else parses but is left zero.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init, system/api_error, system/compact_boundary, system/task_*
	SessionID     string   `json:"session_id,omitempty"`
	Cwd           string   `json:"cwd,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	Model         string   `json:"model,omitempty"`
	Status        int      `json:"status,omitempty"`
	RetryAttempt  int      `json:"retryAttempt,omitempty"`
	MaxRetries    int      `json:"maxRetries,omitempty"`
	Trigger       string   `json:"trigger,omitempty"`
	PreTokens     int      `json:"pre_tokens,omitempty"`
	TaskID        string   `json:"task_id,omitempty"`
	ToolUseID     string   `json:"tool_use_id,omitempty"`
	Description   string   `json:"description,omitempty"`
	LastToolName  string   `json:"last_tool_name,omitempty"`
	// Message is not decoded: the "message" key is decoded into RawMessage.
	Message       string   `json:"-"`

	// assistant / user
	RawMessage    json.RawMessage `json:"message,omitempty"`
	ToolUseResult *ToolUseResult  `json:"tool_use_result,omitempty"`

	// result
	CumulativeCostUSD float64 `json:"cost_usd,omitempty"`
	TotalUsage        *Usage  `json:"usage,omitempty"`

	// stream_event
	StreamEvent *StreamDelta `json:"event,omitempty"`

	// control_request / control_response
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// ToolUseResult is the sibling metadata the child attaches to a replayed user
// message carrying a tool result.
type ToolUseResult struct {
	Status     string `json:"status,omitempty"`
	OutputFile string `json:"outputFile,omitempty"`
}

// StreamDelta is the inner fine-grained event carried by a stream_event
// wrapper: message_start, content_block_start/delta/stop, message_stop.
type StreamDelta struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock *ContentBlock   `json:"content_block,omitempty"`
	Delta        *Delta          `json:"delta,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	StopReason   string          `json:"stop_reason,omitempty"`
}

// Delta is the incremental payload of a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	ImageData   string `json:"data,omitempty"`
}

// PermissionRequest describes a can_use_tool control_request.
type PermissionRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
}

// NewUserMessage builds the `{type:"user", ...}` stdin message for a plain
// text or mixed-content turn. A uuid is generated per call.
func NewUserMessage(content any) ([]byte, error) {
	msg := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"message"`
		UUID string `json:"uuid"`
	}{
		Type: "user",
		UUID: uuid.NewString(),
	}
	msg.Message.Role = "user"
	msg.Message.Content = content
	return json.Marshal(msg)
}

// NewDocumentMessage builds a user message whose body names a file for the
// assistant to open itself, per spec.md's "document" variant.
func NewDocumentMessage(path, filename string) ([]byte, error) {
	text := "The user shared a file: " + filename + "\nIt is available at: " + path
	return NewUserMessage(text)
}

// NewImageMessage builds a user message carrying a single base64 image block.
func NewImageMessage(mediaType, base64Data, caption string) ([]byte, error) {
	blocks := []ContentBlock{}
	if caption != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: caption})
	}
	blocks = append(blocks, ContentBlock{
		Type: "image",
		Source: &ImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      base64Data,
		},
	})
	return NewUserMessage(blocks)
}

// NewInitializeRequest builds the one-time handshake control_request sent
// immediately after spawn.
func NewInitializeRequest(requestID string) ([]byte, error) {
	req := struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
		Request   struct {
			Subtype string `json:"subtype"`
		} `json:"request"`
	}{Type: "control_request", RequestID: requestID}
	req.Request.Subtype = "initialize"
	return json.Marshal(req)
}

// PermissionBehavior is the decision carried in a permission control_response.
type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
)

// NewPermissionResponse builds the control_response answering a can_use_tool
// control_request.
func NewPermissionResponse(requestID string, behavior PermissionBehavior, updatedInput json.RawMessage, message string) ([]byte, error) {
	resp := struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Response  struct {
				Behavior     string          `json:"behavior"`
				UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
				Message      string          `json:"message,omitempty"`
			} `json:"response"`
		} `json:"response"`
	}{Type: "control_response"}
	resp.Response.Subtype = "success"
	resp.Response.RequestID = requestID
	resp.Response.Response.Behavior = string(behavior)
	resp.Response.Response.UpdatedInput = updatedInput
	resp.Response.Response.Message = message
	return json.Marshal(resp)
}

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserMessageRoundTrips(t *testing.T) {
	raw, err := NewUserMessage("hello there")
	require.NoError(t, err)

	var decoded struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		UUID string `json:"uuid"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "user", decoded.Type)
	assert.Equal(t, "user", decoded.Message.Role)
	assert.Equal(t, "hello there", decoded.Message.Content)
	assert.NotEmpty(t, decoded.UUID)
}

func TestNewImageMessageWithCaption(t *testing.T) {
	raw, err := NewImageMessage("image/png", "ZGF0YQ==", "a screenshot")
	require.NoError(t, err)

	var decoded struct {
		Message struct {
			Content []ContentBlock `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Message.Content, 2)
	assert.Equal(t, "text", decoded.Message.Content[0].Type)
	assert.Equal(t, "a screenshot", decoded.Message.Content[0].Text)
	assert.Equal(t, "image", decoded.Message.Content[1].Type)
	require.NotNil(t, decoded.Message.Content[1].Source)
	assert.Equal(t, "image/png", decoded.Message.Content[1].Source.MediaType)
}

func TestNewPermissionResponseEncodesBehavior(t *testing.T) {
	raw, err := NewPermissionResponse("req-1", PermissionDeny, nil, "blocked by user")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"behavior":"deny"`)
	assert.Contains(t, string(raw), `"request_id":"req-1"`)
}

func TestNewInitializeRequest(t *testing.T) {
	raw, err := NewInitializeRequest("req-init")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"subtype":"initialize"`)
	assert.Contains(t, string(raw), `"request_id":"req-init"`)
}

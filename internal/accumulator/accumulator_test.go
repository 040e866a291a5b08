package accumulator

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgccd/tgccd/internal/chatclient"
	"github.com/tgccd/tgccd/internal/protocol"
)

type recordingClient struct {
	sends      int
	edits      int
	last       string
	photos     int
	lastPhoto  string
	photoErr   error
	editErrs   []error // consumed in order, one per Edit call; nil once exhausted
	editErrIdx int
}

func (c *recordingClient) Network() string { return "test" }

func (c *recordingClient) Send(ctx context.Context, to chatclient.Recipient, html string) (chatclient.MessageID, error) {
	c.sends++
	c.last = html
	return "msg-1", nil
}

func (c *recordingClient) Edit(ctx context.Context, to chatclient.Recipient, id chatclient.MessageID, html string) error {
	if c.editErrIdx < len(c.editErrs) {
		err := c.editErrs[c.editErrIdx]
		c.editErrIdx++
		if err != nil {
			return err
		}
	}
	c.edits++
	c.last = html
	return nil
}

func (c *recordingClient) SendPhoto(ctx context.Context, to chatclient.Recipient, path, caption string) error {
	c.photos++
	if data, err := os.ReadFile(path); err == nil {
		c.lastPhoto = string(data)
	}
	return c.photoErr
}
func (c *recordingClient) SendTyping(ctx context.Context, to chatclient.Recipient) {}
func (c *recordingClient) Messages() <-chan chatclient.InboundMessage {
	return make(chan chatclient.InboundMessage)
}

var _ chatclient.Client = (*recordingClient)(nil)

func TestTurnSendsThenFinalizes(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: "Hello"},
	}))
	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:  "content_block_delta",
		Index: 0,
		Delta: &protocol.Delta{Type: "text_delta", Text: ", world"},
	}))
	require.NoError(t, turn.Finalize())

	assert.Equal(t, 1, client.sends)
	assert.Contains(t, client.last, "Hello, world")
}

func TestTurnIgnoresApplyAfterFinalize(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})
	require.NoError(t, turn.Finalize())

	err := turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: "too late"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, client.sends)
}

func TestTurnToolUseBlockRendersPlaceholder(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "tool_use", Name: "Bash"},
	}))
	require.NoError(t, turn.Finalize())

	assert.Contains(t, client.last, "Bash")
}

func TestTurnThinkingSendsPlaceholderThenBlockquoteAtFinalize(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "thinking"},
	}))
	assert.Contains(t, client.last, "Thinking")
	assert.Contains(t, client.last, "blockquote expandable")

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:  "content_block_delta",
		Index: 0,
		Delta: &protocol.Delta{Type: "thinking_delta", Thinking: "the user wants a summary"},
	}))
	require.NoError(t, turn.Apply(&protocol.StreamDelta{Type: "content_block_stop", Index: 0}))

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        1,
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: "Here you go"},
	}))
	require.NoError(t, turn.Finalize())

	assert.Contains(t, client.last, "the user wants a summary")
	assert.Contains(t, client.last, "Here you go")
}

func TestTurnThinkingTruncatedAtFinalize(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "thinking"},
	}))
	long := strings.Repeat("a", maxThinkingChars+500)
	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:  "content_block_delta",
		Index: 0,
		Delta: &protocol.Delta{Type: "thinking_delta", Thinking: long},
	}))
	require.NoError(t, turn.Finalize())

	assert.NotContains(t, client.last, strings.Repeat("a", maxThinkingChars+1))
	assert.Contains(t, client.last, strings.Repeat("a", maxThinkingChars))
}

func TestTurnImageBlockSendsPhoto(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	payload := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	half := len(payload) / 2

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "image", Source: &protocol.ImageSource{Data: payload[:half]}},
	}))
	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:  "content_block_delta",
		Index: 0,
		Delta: &protocol.Delta{Type: "image_delta", ImageData: payload[half:]},
	}))
	require.NoError(t, turn.Apply(&protocol.StreamDelta{Type: "content_block_stop", Index: 0}))

	assert.Equal(t, 1, client.photos)
	assert.Equal(t, "fake-png-bytes", client.lastPhoto)
}

func TestTurnImageBlockFallsBackOnSendFailure(t *testing.T) {
	client := &recordingClient{photoErr: errors.New("upload rejected")}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	payload := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "image", Source: &protocol.ImageSource{Data: payload}},
	}))
	require.NoError(t, turn.Apply(&protocol.StreamDelta{Type: "content_block_stop", Index: 0}))
	require.NoError(t, turn.Finalize())

	assert.Contains(t, client.last, "image could not be sent")
}

func TestTurnUsageFooterOmitsCostWhenNull(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: "done"},
	}))
	turn.SetUsage(&protocol.Usage{InputTokens: 200, OutputTokens: 100})
	require.NoError(t, turn.Finalize())

	assert.Contains(t, client.last, "↩ 0.2k in · 0.1k out")
	assert.NotContains(t, client.last, "$")
}

func TestTurnUsageFooterIncludesCostWhenPresent(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: "done"},
	}))
	cost := 0.0123
	turn.SetUsage(&protocol.Usage{InputTokens: 1000, OutputTokens: 2000, CostUSD: &cost})
	require.NoError(t, turn.Finalize())

	assert.Contains(t, client.last, "$0.0123")
}

func TestTurnEditRetriesAfterRateLimit(t *testing.T) {
	client := &recordingClient{
		editErrs: []error{errors.New("Too Many Requests: retry after 0")},
	}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: "hi"},
	}))
	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:  "content_block_delta",
		Index: 0,
		Delta: &protocol.Delta{Type: "text_delta", Text: " there"},
	}))
	require.NoError(t, turn.Finalize())

	assert.Equal(t, 1, client.sends)
	assert.Equal(t, 1, client.edits, "the rate-limited edit should have been retried and eventually succeeded")
	assert.Contains(t, client.last, "hi there")
	assert.Equal(t, 2*defaultEditInterval, turn.editInterval)
}

func TestTurnEditSwallowsNotModifiedError(t *testing.T) {
	client := &recordingClient{
		editErrs: []error{errors.New("Bad Request: message is not modified")},
	}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: "hi"},
	}))
	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:  "content_block_delta",
		Index: 0,
		Delta: &protocol.Delta{Type: "text_delta", Text: " there"},
	}))
	require.NoError(t, turn.Finalize())

	assert.Equal(t, 1, client.sends)
	assert.Equal(t, 0, client.edits, "a not-modified response is swallowed, not counted as a successful edit")
}

func TestTurnSoftResetPreservesMessageID(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: "first turn"},
	}))
	require.Len(t, turn.segments, 1)
	id := turn.segments[0].id
	require.NotEmpty(t, id)

	require.NoError(t, turn.Apply(&protocol.StreamDelta{Type: "message_start"}))
	assert.Equal(t, id, turn.segments[0].id)
	assert.Equal(t, 0, turn.textBuf.Len())
}

func TestTurnFullResetNullsMessageID(t *testing.T) {
	client := &recordingClient{}
	turn := New(context.Background(), client, chatclient.Recipient{ChatID: "1"})

	require.NoError(t, turn.Apply(&protocol.StreamDelta{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &protocol.ContentBlock{Type: "text", Text: "first turn"},
	}))
	require.NoError(t, turn.Finalize())

	turn.Reset()
	assert.Empty(t, turn.segments)
	assert.False(t, turn.finalized)
}

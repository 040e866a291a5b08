package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerSkipsMalformedAndUnknownLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		``,
		`not json at all`,
		`{"type":"bogus_type"}`,
		`{"type":"result","cost_usd":0.5}`,
	}, "\n")

	scanner := NewScanner(strings.NewReader(input))

	ev, ok := scanner.Next()
	require.True(t, ok)
	assert.Equal(t, "system", ev.Type)
	assert.Equal(t, "s1", ev.SessionID)

	ev, ok = scanner.Next()
	require.True(t, ok)
	assert.Equal(t, "result", ev.Type)
	assert.Equal(t, 0.5, ev.CumulativeCostUSD)

	_, ok = scanner.Next()
	assert.False(t, ok)
	assert.NoError(t, scanner.Err())
}

func TestParseMessageNeverErrors(t *testing.T) {
	msg := ParseMessage(nil)
	assert.Equal(t, AssistantMessage{}, msg)

	msg = ParseMessage([]byte(`not json`))
	assert.Equal(t, AssistantMessage{}, msg)

	msg = ParseMessage([]byte(`{"role":"assistant","content":[{"type":"text","text":"hi"}]}`))
	assert.Equal(t, "assistant", msg.Role)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "hi", msg.Content[0].Text)
}

package accumulator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextIsSingleChunk(t *testing.T) {
	chunks := Split("hello world", 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0])
}

func TestSplitEmptyTextYieldsNoChunks(t *testing.T) {
	assert.Empty(t, Split("", 100))
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n\n" + strings.Repeat("b", 50)
	chunks := Split(text, 60)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 50)+"\n\n", chunks[0])
	assert.Equal(t, strings.Repeat("b", 50), chunks[1])
}

func TestSplitReconstructsOriginal(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	chunks := Split(text, 500)
	require.True(t, len(chunks) > 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 500)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplitFallsBackToHardCutWithNoWhitespace(t *testing.T) {
	text := strings.Repeat("x", 1000)
	chunks := Split(text, 100)
	require.Len(t, chunks, 10)
	for _, c := range chunks {
		assert.Equal(t, 100, len(c))
	}
}

package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherFlushesAfterWindow(t *testing.T) {
	flushed := make(chan string, 1)
	b := NewBatcher(func(text string) { flushed <- text })

	b.Add("hello")
	b.Add("world")

	select {
	case text := <-flushed:
		assert.Equal(t, "hello\n\nworld", text)
	case <-time.After(3 * time.Second):
		t.Fatal("batcher did not flush in time")
	}
}

func TestBatcherManualFlushBypassesTimer(t *testing.T) {
	flushed := make(chan string, 1)
	b := NewBatcher(func(text string) { flushed <- text })

	b.Add("quick")
	b.Flush()

	select {
	case text := <-flushed:
		assert.Equal(t, "quick", text)
	case <-time.After(time.Second):
		t.Fatal("manual flush did not fire")
	}
	assert.False(t, b.Pending())
}

func TestBatcherFlushWithNothingPendingIsNoop(t *testing.T) {
	called := false
	b := NewBatcher(func(text string) { called = true })
	b.Flush()
	require.False(t, called)
}

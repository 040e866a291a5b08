package bridge

import (
	"strings"
	"time"
)

// batchWindow is how long the batcher waits after the most recent message in
// a burst before flushing (every Add restarts the wait), so a user typing
// several quick follow-up messages (common when composing on a phone) is
// forwarded to the assistant as one turn instead of several.
const batchWindow = 1500 * time.Millisecond

// Batcher coalesces a burst of inbound text messages for one chat into a
// single forwarded turn, joined by blank lines.
type Batcher struct {
	flush func(text string)

	parts []string
	timer *time.Timer
}

// NewBatcher creates a batcher that calls flush once a burst settles.
func NewBatcher(flush func(text string)) *Batcher {
	return &Batcher{flush: flush}
}

// Add appends one message to the current burst and (re)arms the flush
// timer. Callers must serialize calls to Add/Flush themselves (the bridge
// orchestrator does this by running one Batcher per chat on its own
// goroutine).
func (b *Batcher) Add(text string) {
	b.parts = append(b.parts, text)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(batchWindow, b.Flush)
}

// Flush forwards the accumulated burst immediately, bypassing the timer.
// A no-op if nothing is pending.
func (b *Batcher) Flush() {
	if len(b.parts) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	text := strings.Join(b.parts, "\n\n")
	b.parts = nil
	b.flush(text)
}

// Pending reports whether a burst is currently accumulating.
func (b *Batcher) Pending() bool {
	return len(b.parts) > 0
}

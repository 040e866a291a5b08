// Package accumulator folds the fine-grained content_block_* stream deltas
// an assistant subprocess emits into one or more chat messages, editing them
// in place as more text arrives instead of spamming a new message per delta.
package accumulator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tgccd/tgccd/internal/chatclient"
	"github.com/tgccd/tgccd/internal/format"
	"github.com/tgccd/tgccd/internal/protocol"
)

const (
	// defaultEditInterval is the minimum interval between two edits of the
	// same message, so a fast token stream does not hammer the chat API. A
	// rate-limit response doubles this for the rest of the turn, up to
	// maxEditInterval.
	defaultEditInterval = 1000 * time.Millisecond

	// maxEditInterval is the ceiling the edit interval backs off to after
	// repeated rate-limit responses.
	maxEditInterval = 5 * time.Second

	// maxMessageLength is where a turn's text is split into a new message,
	// comfortably under Telegram's 4096-character hard cap.
	maxMessageLength = 4000

	// maxThinkingChars bounds how much of the thinking buffer is shown in
	// the finalization blockquote.
	maxThinkingChars = 1024

	thinkingPlaceholder = "💭 Thinking…"
	imageFailureText    = "[image could not be sent]"
)

// Turn accumulates one assistant turn into one or more edited chat messages.
// It is not safe for concurrent use from more than one goroutine; callers
// drive it from the single goroutine reading a Supervisor's event channel.
type Turn struct {
	client chatclient.Client
	to     chatclient.Recipient

	ctx context.Context

	textBuf     strings.Builder
	thinkingBuf strings.Builder
	imageBuf    strings.Builder
	indicators  []string

	activeKind    string // "text", "thinking", "tool_use", "image", or ""
	thinkingShown bool   // the 💭 Thinking… placeholder has been sent
	usage         *protocol.Usage

	segments      []segment
	allMessageIDs []chatclient.MessageID

	editInterval time.Duration
	lastEdit     time.Time
	dirty        bool
	finalized    bool
}

// segment is one chat message belonging to this turn, holding everything up
// to the last splitting point plus its own message id once sent.
type segment struct {
	id   chatclient.MessageID
	text strings.Builder
}

// New starts a new turn accumulator. The first Apply call sends the initial
// message; nothing is sent eagerly.
func New(ctx context.Context, client chatclient.Client, to chatclient.Recipient) *Turn {
	return &Turn{ctx: ctx, client: client, to: to, editInterval: defaultEditInterval}
}

// AllMessageIDs returns every chat message id this turn has sent, across all
// split segments, in send order.
func (t *Turn) AllMessageIDs() []chatclient.MessageID {
	return t.allMessageIDs
}

// softReset clears a turn's buffers and per-turn state for a new assistant
// turn (a Turn holds no timers) but retains the current chat message id, so
// the next turn's first edit overwrites the existing message (multi-turn
// single-message mode). Use Reset for a fresh message per turn instead.
func (t *Turn) softReset() {
	t.textBuf.Reset()
	t.thinkingBuf.Reset()
	t.imageBuf.Reset()
	t.indicators = nil
	t.activeKind = ""
	t.thinkingShown = false
	t.usage = nil
	t.dirty = false
}

// Reset fully reinitializes the turn, nulling the current chat message id so
// the next send starts a brand new message instead of editing the old one.
// The owner calls this instead of relying on message_start's soft reset when
// it wants a fresh message per turn rather than multi-turn single-message
// mode.
func (t *Turn) Reset() {
	t.softReset()
	t.segments = nil
	t.allMessageIDs = nil
	t.editInterval = defaultEditInterval
	t.finalized = false
}

// SetUsage attaches the turn's token/cost accounting, read from the child's
// "result" event, so Finalize can render the usage footer. A nil usage
// renders no footer.
func (t *Turn) SetUsage(usage *protocol.Usage) {
	t.usage = usage
}

// Apply folds one stream_event delta into the turn's running state and, if
// the throttle window has elapsed, flushes an edit.
func (t *Turn) Apply(delta *protocol.StreamDelta) error {
	if t.finalized {
		return nil
	}
	switch delta.Type {
	case "message_start":
		t.softReset()
		return nil

	case "content_block_start":
		if delta.ContentBlock == nil {
			return nil
		}
		switch delta.ContentBlock.Type {
		case "text":
			t.indicators = nil
			t.activeKind = "text"
			if delta.ContentBlock.Text != "" {
				t.textBuf.WriteString(delta.ContentBlock.Text)
			}
		case "thinking":
			t.activeKind = "thinking"
			if t.textBuf.Len() == 0 && !t.thinkingShown {
				t.thinkingShown = true
				if err := t.sendThinkingPlaceholder(); err != nil {
					return err
				}
			}
		case "tool_use":
			t.activeKind = "tool_use"
			t.indicators = append(t.indicators, delta.ContentBlock.Name)
		case "image":
			t.activeKind = "image"
			t.imageBuf.Reset()
			if delta.ContentBlock.Source != nil {
				t.imageBuf.WriteString(delta.ContentBlock.Source.Data)
			}
		}
		t.dirty = true

	case "content_block_delta":
		if delta.Delta == nil {
			return nil
		}
		switch delta.Delta.Type {
		case "text_delta":
			t.textBuf.WriteString(delta.Delta.Text)
			t.dirty = true
		case "thinking_delta":
			// Accumulated for the finalization blockquote; not shown live.
			t.thinkingBuf.WriteString(delta.Delta.Thinking)
		case "input_json_delta":
			// Tool input streams as partial JSON; the placeholder text for a
			// tool_use block does not change as it arrives.
		case "image_delta":
			t.imageBuf.WriteString(delta.Delta.ImageData)
		}

	case "content_block_stop":
		if t.activeKind == "image" {
			t.sendImageBlock()
		}
		t.activeKind = ""
		t.dirty = true

	case "message_delta", "message_stop":
		// message_stop is handled by an explicit Finalize call from the
		// owner once the child's "result" event arrives.
	}

	if t.dirty && time.Since(t.lastEdit) >= t.editInterval {
		return t.flush()
	}
	return nil
}

// Finalize performs one last unthrottled flush, rendering the thinking
// blockquote and usage footer, and marks the turn closed so further Apply
// calls are ignored. Call this on the "result" event that ends the turn.
// Finalize is idempotent: a second call is a no-op.
func (t *Turn) Finalize() error {
	if t.finalized {
		return nil
	}
	t.finalized = true
	return t.flush()
}

// renderedBody joins the accumulated text with any active tool-use
// indicators into the markdown-ish string later converted to chat HTML.
func (t *Turn) renderedBody() string {
	var parts []string
	if t.textBuf.Len() > 0 {
		parts = append(parts, t.textBuf.String())
	}
	for _, name := range t.indicators {
		parts = append(parts, fmt.Sprintf("_Using %s…_", name))
	}
	return strings.Join(parts, "\n\n")
}

// liveText is what flush renders while the turn is still in progress: empty
// while only the thinking placeholder is showing (no body text has arrived
// yet), otherwise the rendered body.
func (t *Turn) liveText() string {
	if t.textBuf.Len() == 0 && t.thinkingShown {
		return ""
	}
	return t.renderedBody()
}

// sendThinkingPlaceholder immediately (unthrottled) shows the 💭 Thinking…
// expandable blockquote as the turn's first message, before any real text
// has arrived.
func (t *Turn) sendThinkingPlaceholder() error {
	for len(t.segments) < 1 {
		t.segments = append(t.segments, segment{})
	}
	html := expandableBlockquote(thinkingPlaceholder)
	t.segments[0].text.Reset()
	t.segments[0].text.WriteString(html)
	return t.writeSegment(0, html)
}

// sendImageBlock decodes the buffered base64 image data and posts it as a
// photo, falling back to an inline failure notice in the turn's text.
func (t *Turn) sendImageBlock() {
	data := t.imageBuf.String()
	t.imageBuf.Reset()
	if data == "" {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		log.Printf("accumulator: decode image: %v", err)
		t.appendImageFailure()
		return
	}

	path, err := writeTempImage(raw)
	if err != nil {
		log.Printf("accumulator: write temp image: %v", err)
		t.appendImageFailure()
		return
	}
	defer os.Remove(path)

	if err := t.client.SendPhoto(t.ctx, t.to, path, ""); err != nil {
		log.Printf("accumulator: send photo failed: %v", err)
		t.appendImageFailure()
	}
}

func (t *Turn) appendImageFailure() {
	if t.textBuf.Len() > 0 {
		t.textBuf.WriteString("\n\n")
	}
	t.textBuf.WriteString(imageFailureText)
}

func writeTempImage(data []byte) (string, error) {
	f, err := os.CreateTemp("", "tgccd-image-*.png")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// expandableBlockquote wraps already-safe HTML content in an expandable
// blockquote, the chat surface's affordance for long collapsible asides.
func expandableBlockquote(html string) string {
	return "<blockquote expandable>" + html + "</blockquote>"
}

// flush re-renders the turn's current text, splits it across segments at
// safe boundaries, and sends or edits each segment's message. On
// finalization it prepends the thinking blockquote and appends the usage
// footer to the first and last segment respectively.
func (t *Turn) flush() error {
	t.dirty = false
	t.lastEdit = time.Now()

	body := t.liveText()
	if t.finalized {
		body = t.renderedBody()
	}

	chunks := Split(body, maxMessageLength)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	for len(t.segments) < len(chunks) {
		t.segments = append(t.segments, segment{})
	}

	for i, chunk := range chunks {
		html := format.Sanitize(format.ToChatHTML(chunk))

		if i == 0 {
			if prefix := t.thinkingPrefix(); prefix != "" {
				html = prefix + html
			}
		}
		if t.finalized && i == len(chunks)-1 {
			if footer := t.usageFooter(); footer != "" {
				if html != "" {
					html += "\n\n"
				}
				html += footer
			}
		}

		seg := &t.segments[i]
		if seg.text.String() == html {
			continue
		}
		seg.text.Reset()
		seg.text.WriteString(html)

		if err := t.writeSegment(i, html); err != nil {
			return err
		}
	}
	return nil
}

// thinkingPrefix renders the thinking buffer as a leading expandable
// blockquote: the placeholder while the turn is still streaming with no
// body text yet, or the truncated real content once finalized.
func (t *Turn) thinkingPrefix() string {
	if !t.finalized {
		if t.thinkingShown && t.textBuf.Len() == 0 {
			return expandableBlockquote(thinkingPlaceholder)
		}
		return ""
	}
	if t.thinkingBuf.Len() == 0 {
		return ""
	}
	return expandableBlockquote(format.EscapeHTML(truncate(t.thinkingBuf.String(), maxThinkingChars))) + "\n\n"
}

// usageFooter renders the "↩ Nk in · Nk out · $C" footer from the turn's
// captured usage, omitting the cost segment when costUsd is null.
func (t *Turn) usageFooter() string {
	if t.usage == nil {
		return ""
	}
	in := t.usage.InputTokens + t.usage.CacheReadInputTokens + t.usage.CacheCreationInputTokens
	footer := fmt.Sprintf("↩ %sk in · %sk out", formatK(in), formatK(t.usage.OutputTokens))
	if t.usage.CostUSD != nil {
		footer += fmt.Sprintf(" · $%.4f", *t.usage.CostUSD)
	}
	return footer
}

func formatK(n int) string {
	s := strconv.FormatFloat(float64(n)/1000, 'f', 1, 64)
	return strings.TrimSuffix(s, ".0")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// writeSegment sends or edits segment i with html, retrying through a
// rate-limit backoff and swallowing "message is not modified" errors.
func (t *Turn) writeSegment(i int, html string) error {
	seg := &t.segments[i]
	for {
		var err error
		if seg.id == "" {
			var id chatclient.MessageID
			id, err = t.client.Send(t.ctx, t.to, html)
			if err == nil {
				seg.id = id
				t.allMessageIDs = append(t.allMessageIDs, id)
				return nil
			}
		} else {
			err = t.client.Edit(t.ctx, t.to, seg.id, html)
			if err == nil {
				return nil
			}
		}

		if chatclient.IsNotModified(err) {
			return nil
		}
		if wait, ok := chatclient.RetryAfter(err); ok {
			t.editInterval *= 2
			if t.editInterval > maxEditInterval {
				t.editInterval = maxEditInterval
			}
			log.Printf("accumulator: rate limited, backing off %s", wait)
			select {
			case <-time.After(wait):
				continue
			case <-t.ctx.Done():
				return t.ctx.Err()
			}
		}

		log.Printf("accumulator: send/edit failed: %v", err)
		return err
	}
}

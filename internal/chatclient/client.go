// Package chatclient abstracts the operations the bridge orchestrator needs
// from a chat network, so Telegram and Discord can be driven identically.
package chatclient

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Recipient identifies a conversation within a chat network. Networks that
// only have one id (Discord channel id) leave ThreadID empty.
type Recipient struct {
	ChatID   string
	ThreadID string
}

// Client is implemented once per chat network (Telegram, Discord).
type Client interface {
	// Network returns a short identifier such as "telegram" or "discord".
	Network() string

	// Send posts a new message and returns a MessageID that can later be
	// passed to Edit.
	Send(ctx context.Context, to Recipient, html string) (MessageID, error)

	// Edit replaces the text of a previously sent message in place.
	Edit(ctx context.Context, to Recipient, id MessageID, html string) error

	// SendPhoto posts an image with an optional caption.
	SendPhoto(ctx context.Context, to Recipient, path, caption string) error

	// SendTyping signals that a response is being composed.
	SendTyping(ctx context.Context, to Recipient)

	// Messages returns the channel of inbound user messages for this client.
	Messages() <-chan InboundMessage
}

// MessageID identifies a message within whatever numbering scheme the
// underlying network uses. Networks differ on the concrete type (Telegram
// uses an int message id, Discord a string snowflake), so it is carried as
// an opaque string here and parsed back by the owning client if needed.
type MessageID string

// InboundMessage is a user-authored message or command arriving from any
// chat network, normalized to a common shape for the bridge orchestrator.
type InboundMessage struct {
	From Recipient
	User string
	Text string
}

// IsNotModified reports whether err is the chat API's "message is not
// modified" response, returned when an edit's content is byte-identical to
// what is already shown. Callers treat it as a no-op rather than a failure.
func IsNotModified(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

// retryAfterPattern matches the "retry after N" (or "retry_after": N) shape
// both Telegram's and Discord's 429 responses embed in their error text.
var retryAfterPattern = regexp.MustCompile(`(?i)retry.{0,3}after\D{0,5}(\d+)`)

// RetryAfter extracts the advertised retry-after duration from a rate-limit
// error, if err's message carries one.
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	m := retryAfterPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	secs, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

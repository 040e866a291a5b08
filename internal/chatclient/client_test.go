package chatclient_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tgccd/tgccd/internal/chatclient"
)

// fakeClient is a minimal in-memory chatclient.Client used to verify the
// interface shape compiles against real call sites.
type fakeClient struct {
	sent    map[chatclient.MessageID]string
	nextID  int
	inbound chan chatclient.InboundMessage
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sent:    make(map[chatclient.MessageID]string),
		inbound: make(chan chatclient.InboundMessage, 1),
	}
}

func (f *fakeClient) Network() string { return "fake" }

func (f *fakeClient) Send(ctx context.Context, to chatclient.Recipient, html string) (chatclient.MessageID, error) {
	f.nextID++
	id := chatclient.MessageID(string(rune('a' + f.nextID)))
	f.sent[id] = html
	return id, nil
}

func (f *fakeClient) Edit(ctx context.Context, to chatclient.Recipient, id chatclient.MessageID, html string) error {
	f.sent[id] = html
	return nil
}

func (f *fakeClient) SendPhoto(ctx context.Context, to chatclient.Recipient, path, caption string) error {
	return nil
}

func (f *fakeClient) SendTyping(ctx context.Context, to chatclient.Recipient) {}

func (f *fakeClient) Messages() <-chan chatclient.InboundMessage { return f.inbound }

var _ chatclient.Client = (*fakeClient)(nil)

func TestFakeClientSendThenEdit(t *testing.T) {
	c := newFakeClient()
	to := chatclient.Recipient{ChatID: "123"}

	id, err := c.Send(context.Background(), to, "hello")
	assert.NoError(t, err)
	assert.Equal(t, "hello", c.sent[id])

	err = c.Edit(context.Background(), to, id, "hello world")
	assert.NoError(t, err)
	assert.Equal(t, "hello world", c.sent[id])
}

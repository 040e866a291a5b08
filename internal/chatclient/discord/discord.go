// Package discord adapts bwmarrin/discordgo to the chatclient.Client
// interface.
package discord

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/bwmarrin/discordgo"

	"github.com/tgccd/tgccd/internal/chatclient"
	"github.com/tgccd/tgccd/internal/format"
)

// Client wraps a discordgo.Session as a chatclient.Client. Text is rendered
// as plain Markdown (via format.ToDiscordMarkdown) rather than HTML, since
// Discord has no HTML parse mode.
type Client struct {
	session *discordgo.Session
	guildID string
	inbound chan chatclient.InboundMessage
}

// New opens a Discord session. An empty token puts the client in
// bridge-only mode, mirroring the Telegram client's behavior.
func New(token, guildID string) (*Client, error) {
	c := &Client{
		guildID: guildID,
		inbound: make(chan chatclient.InboundMessage, 100),
	}
	if token == "" {
		log.Println("discord: empty token, client will not connect")
		return c, nil
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentDirectMessages
	session.AddHandler(c.handleMessageCreate)
	c.session = session
	return c, nil
}

// Start opens the websocket connection and blocks until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if c.session == nil {
		<-ctx.Done()
		return nil
	}
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	<-ctx.Done()
	return c.session.Close()
}

func (c *Client) Network() string { return "discord" }

func (c *Client) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	c.inbound <- chatclient.InboundMessage{
		From: chatclient.Recipient{ChatID: m.ChannelID},
		User: m.Author.ID,
		Text: m.Content,
	}
}

func (c *Client) Messages() <-chan chatclient.InboundMessage { return c.inbound }

func (c *Client) Send(ctx context.Context, to chatclient.Recipient, html string) (chatclient.MessageID, error) {
	if c.session == nil {
		return "", nil
	}
	text := format.ToDiscordMarkdown(html)
	msg, err := c.session.ChannelMessageSendComplex(to.ChatID, &discordgo.MessageSend{Content: text})
	if err != nil {
		return "", fmt.Errorf("discord: send: %w", err)
	}
	return chatclient.MessageID(msg.ID), nil
}

func (c *Client) Edit(ctx context.Context, to chatclient.Recipient, id chatclient.MessageID, html string) error {
	if c.session == nil {
		return nil
	}
	text := format.ToDiscordMarkdown(html)
	_, err := c.session.ChannelMessageEdit(to.ChatID, string(id), text)
	if err != nil {
		return fmt.Errorf("discord: edit: %w", err)
	}
	return nil
}

func (c *Client) SendPhoto(ctx context.Context, to chatclient.Recipient, path, caption string) error {
	if c.session == nil {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("discord: open photo: %w", err)
	}
	defer file.Close()

	_, err = c.session.ChannelFileSendWithMessage(to.ChatID, format.ToDiscordMarkdown(caption), "image.png", file)
	if err != nil {
		return fmt.Errorf("discord: send photo: %w", err)
	}
	return nil
}

func (c *Client) SendTyping(ctx context.Context, to chatclient.Recipient) {
	if c.session == nil {
		return
	}
	_ = c.session.ChannelTyping(to.ChatID)
}

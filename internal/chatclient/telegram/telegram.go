// Package telegram adapts go-telegram/bot to the chatclient.Client
// interface.
package telegram

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/tgccd/tgccd/internal/chatclient"
	"github.com/tgccd/tgccd/internal/format"
)

// Client wraps a go-telegram/bot.Bot as a chatclient.Client.
type Client struct {
	bot            *bot.Bot
	allowedUserIDs map[int64]bool
	inbound        chan chatclient.InboundMessage
}

// New creates a Telegram chat client. An empty token puts the client in
// bridge-only mode: Start blocks on ctx without polling, useful when only
// Discord is configured for a given deployment.
func New(token string, allowedIDs []int64) (*Client, error) {
	allowed := make(map[int64]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}

	c := &Client{
		allowedUserIDs: allowed,
		inbound:        make(chan chatclient.InboundMessage, 100),
	}

	if token == "" {
		log.Println("telegram: empty token, client will not poll")
		return c, nil
	}

	opts := []bot.Option{bot.WithDefaultHandler(c.handleUpdate)}
	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	c.bot = tgBot
	return c, nil
}

// Start begins long polling. It blocks until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if c.bot == nil {
		<-ctx.Done()
		return nil
	}
	c.bot.Start(ctx)
	return nil
}

func (c *Client) Network() string { return "telegram" }

func (c *Client) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	msg := update.Message
	userID := msg.From.ID
	if len(c.allowedUserIDs) > 0 && !c.allowedUserIDs[userID] {
		log.Printf("telegram: rejecting message from unauthorized user %d", userID)
		return
	}

	c.inbound <- chatclient.InboundMessage{
		From: chatclient.Recipient{ChatID: strconv.FormatInt(msg.Chat.ID, 10)},
		User: strconv.FormatInt(userID, 10),
		Text: msg.Text,
	}
}

func (c *Client) Messages() <-chan chatclient.InboundMessage { return c.inbound }

func (c *Client) Send(ctx context.Context, to chatclient.Recipient, html string) (chatclient.MessageID, error) {
	if c.bot == nil {
		return "", nil
	}
	chatID, err := parseChatID(to.ChatID)
	if err != nil {
		return "", err
	}
	msg, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      html,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send: %w", err)
	}
	return chatclient.MessageID(strconv.Itoa(msg.ID)), nil
}

func (c *Client) Edit(ctx context.Context, to chatclient.Recipient, id chatclient.MessageID, html string) error {
	if c.bot == nil {
		return nil
	}
	chatID, err := parseChatID(to.ChatID)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(string(id))
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", id, err)
	}
	_, err = c.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      html,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram: edit: %w", err)
	}
	return nil
}

func (c *Client) SendPhoto(ctx context.Context, to chatclient.Recipient, path, caption string) error {
	if c.bot == nil {
		return nil
	}
	chatID, err := parseChatID(to.ChatID)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open photo: %w", err)
	}
	defer file.Close()

	_, err = c.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:    chatID,
		Photo:     &models.InputFileUpload{Filename: filepath.Base(path), Data: file},
		Caption:   format.ToChatHTML(caption),
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram: send photo: %w", err)
	}
	return nil
}

func (c *Client) SendTyping(ctx context.Context, to chatclient.Recipient) {
	if c.bot == nil {
		return
	}
	chatID, err := parseChatID(to.ChatID)
	if err != nil {
		return
	}
	_, _ = c.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})
}

func parseChatID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q: %w", raw, err)
	}
	return id, nil
}

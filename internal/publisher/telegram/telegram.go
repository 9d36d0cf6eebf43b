// Package telegram publishes content to a Telegram chat or channel.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"postflow/internal/domain"
)

// Destination sends post text to a fixed chat via the Bot API. The message
// id doubles as the external post id for updates and deletes.
type Destination struct {
	name   string
	chatID int64
	bot    *tgbotapi.BotAPI
}

func New(name, token string, chatID int64) (*Destination, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Destination{name: name, chatID: chatID, bot: bot}, nil
}

func (d *Destination) Name() string { return d.name }

func (d *Destination) Publish(_ context.Context, content json.RawMessage) (domain.DestinationResult, error) {
	text, err := postText(content)
	if err != nil {
		return domain.DestinationResult{}, domain.NewDestinationError(d.name, domain.ClassInvalidArgument, err)
	}
	sent, err := d.bot.Send(tgbotapi.NewMessage(d.chatID, text))
	if err != nil {
		return domain.DestinationResult{}, domain.NewDestinationError(d.name, domain.ClassDestination, err)
	}
	return domain.DestinationResult{Success: true, PostID: strconv.Itoa(sent.MessageID)}, nil
}

func (d *Destination) Update(_ context.Context, externalID string, content json.RawMessage) error {
	messageID, err := strconv.Atoi(externalID)
	if err != nil {
		return domain.NewDestinationError(d.name, domain.ClassInvalidArgument, fmt.Errorf("bad message id %q", externalID))
	}
	text, err := postText(content)
	if err != nil {
		return domain.NewDestinationError(d.name, domain.ClassInvalidArgument, err)
	}
	if _, err := d.bot.Send(tgbotapi.NewEditMessageText(d.chatID, messageID, text)); err != nil {
		return domain.NewDestinationError(d.name, domain.ClassDestination, err)
	}
	return nil
}

func (d *Destination) Delete(_ context.Context, externalID string) error {
	messageID, err := strconv.Atoi(externalID)
	if err != nil {
		return domain.NewDestinationError(d.name, domain.ClassInvalidArgument, fmt.Errorf("bad message id %q", externalID))
	}
	if _, err := d.bot.Request(tgbotapi.NewDeleteMessage(d.chatID, messageID)); err != nil {
		return domain.NewDestinationError(d.name, domain.ClassDestination, err)
	}
	return nil
}

// postText pulls the message text out of the canonical content payload.
// Accepts {"text": "..."} or a bare JSON string.
func postText(content json.RawMessage) (string, error) {
	var wrapped struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &wrapped); err == nil && wrapped.Text != "" {
		return wrapped.Text, nil
	}
	var plain string
	if err := json.Unmarshal(content, &plain); err == nil && plain != "" {
		return plain, nil
	}
	return "", fmt.Errorf("content has no text")
}

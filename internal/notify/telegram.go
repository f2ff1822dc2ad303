package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"buyscope/internal/model"
)

// Sender is the subset of *tgbotapi.BotAPI used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers alerts to the chat whose id is the group id.
type Telegram struct {
	sender Sender
	logger *zap.Logger
}

// NewTelegram connects a bot with token. An empty apiEndpoint uses the public Bot API.
func NewTelegram(token, apiEndpoint string, logger *zap.Logger) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if apiEndpoint == "" {
		apiEndpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, apiEndpoint)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("telegram bot connected", zap.String("username", bot.Self.UserName))
	return NewTelegramWithSender(bot, logger), nil
}

// NewTelegramWithSender builds a Telegram deliverer around an existing sender.
func NewTelegramWithSender(sender Sender, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{sender: sender, logger: logger.With(zap.String("component", "telegram"))}
}

// Deliver renders and sends one alert. Groups with a media URL get an animation with a caption.
func (t *Telegram) Deliver(ctx context.Context, alert model.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := parseChatID(alert.GroupID)
	if err != nil {
		return err
	}

	text := Render(alert)
	var msg tgbotapi.Chattable
	if media := alert.Render.MediaURL; media != "" {
		animation := tgbotapi.NewAnimation(chatID, tgbotapi.FileURL(media))
		animation.Caption = truncateCaption(text)
		animation.ParseMode = tgbotapi.ModeHTML
		msg = animation
	} else {
		message := tgbotapi.NewMessage(chatID, text)
		message.ParseMode = tgbotapi.ModeHTML
		message.DisableWebPagePreview = true
		msg = message
	}

	if _, err := t.sender.Send(msg); err != nil {
		return fmt.Errorf("send to %d: %w", chatID, err)
	}
	t.logger.Debug("alert delivered",
		zap.Int64("chat_id", chatID),
		zap.String("tx_hash", alert.TxHash),
		zap.Float64("value_usd", alert.ValueUSD),
	)
	return nil
}

func parseChatID(groupID string) (int64, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(groupID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", groupID, err)
	}
	return chatID, nil
}

package services

import (
	"context"
	"fmt"
	"html"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"gossiphub/internal/models"
)

type TelegramService struct {
	bot *tgbotapi.BotAPI
	log *zap.Logger
}

func NewTelegramService(botToken string, log *zap.Logger) (*TelegramService, error) {
	return NewTelegramServiceWithEndpoint(botToken, tgbotapi.APIEndpoint, http.DefaultClient, log)
}

// NewTelegramServiceWithEndpoint talks to a custom Bot API endpoint. The
// endpoint is a format string taking the token and the method name.
func NewTelegramServiceWithEndpoint(botToken, endpoint string, client *http.Client, log *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	log.Info("telegram bot ready", zap.String("username", bot.Self.UserName))
	return &TelegramService{bot: bot, log: log}, nil
}

func (t *TelegramService) SendMessage(chatID int64, text string) error {
	if t == nil || chatID == 0 {
		return nil
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram sendMessage failed: %w", err)
	}
	return nil
}

func (t *TelegramService) Name() string { return "telegram" }

func (t *TelegramService) Deliver(_ context.Context, target *models.NotificationTarget, n *models.Notification) error {
	if target.TelegramChatID == 0 {
		return nil
	}
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(string(n.Type)), html.EscapeString(n.Content))
	return t.SendMessage(target.TelegramChatID, text)
}

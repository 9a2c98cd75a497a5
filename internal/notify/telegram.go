// Package notify delivers messages to users' chat addresses.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramOptions configures the bot client
type TelegramOptions struct {
	Token          string
	Endpoint       string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Telegram sends results through the Telegram Bot API. Addresses are chat ids.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegram authenticates the bot token against the API
func NewTelegram(opts TelegramOptions, logger *slog.Logger) (*Telegram, error) {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	logger.Info("Telegram notifier ready",
		slog.String("bot", bot.Self.UserName),
	)
	return &Telegram{bot: bot, logger: logger}, nil
}

// SendArtifact uploads data as a photo with caption
func (t *Telegram) SendArtifact(ctx context.Context, address, filename string, data []byte, caption string) error {
	chatID, err := parseChatID(address)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	photo.Caption = caption

	if _, err := t.bot.Send(photo); err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	return nil
}

// SendText sends a plain message
func (t *Telegram) SendText(ctx context.Context, address, text string) error {
	chatID, err := parseChatID(address)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func parseChatID(address string) (int64, error) {
	id, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", address, err)
	}
	return id, nil
}

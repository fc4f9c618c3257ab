// Package telegram adapts the dialogue orchestrator to a Telegram bot. Each
// agent response is delivered as its own message, attributed with the
// role's display name.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/m4xw311/parley/dialogue"
	"github.com/m4xw311/parley/errors"
)

// Dialogue is the slice of the orchestrator the adapter consumes.
type Dialogue interface {
	HandleMessage(ctx context.Context, chatID, text string) (<-chan dialogue.Response, error)
	ResetConversation(chatID string) (string, error)
	GetStatus() dialogue.Status
}

// Config holds the adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token  string
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.NewKind(errors.KindConfiguration, "telegram token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter bridges Telegram updates to dialogue cycles.
type Adapter struct {
	core   Dialogue
	bot    *bot.Bot
	logger *slog.Logger
}

// NewAdapter creates the adapter and registers its handlers.
func NewAdapter(cfg Config, core Dialogue) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{core: core, logger: cfg.Logger.With("adapter", "telegram")}

	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(a.onUpdate))
	if err != nil {
		return nil, errors.WrapKind(errors.KindConfiguration, err, "failed to create telegram bot")
	}
	a.bot = b
	return a, nil
}

// Run starts long polling and blocks until the context is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	a.logger.Info("telegram adapter started")
	a.bot.Start(ctx)
	a.logger.Info("telegram adapter stopped")
}

func (a *Adapter) onUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	text := update.Message.Text

	switch {
	case strings.HasPrefix(text, "/reset"):
		a.handleReset(ctx, b, update.Message.Chat.ID, chatID)
	case strings.HasPrefix(text, "/status"):
		a.handleStatus(ctx, b, update.Message.Chat.ID)
	case strings.HasPrefix(text, "/start"):
		a.send(ctx, b, update.Message.Chat.ID, "Send a message and the configured agents will discuss it. /reset clears the conversation, /status shows connection health.")
	default:
		a.handleText(ctx, b, update.Message.Chat.ID, chatID, text)
	}
}

func (a *Adapter) handleText(ctx context.Context, b *bot.Bot, tgChat int64, chatID, text string) {
	stream, err := a.core.HandleMessage(ctx, chatID, text)
	if err != nil {
		if errors.IsKind(err, errors.KindValidation) {
			a.send(ctx, b, tgChat, err.Error())
			return
		}
		a.logger.Error("failed to start dialogue", "chat", chatID, "error", err)
		a.send(ctx, b, tgChat, "Something went wrong starting the dialogue.")
		return
	}
	for resp := range stream {
		label := resp.DisplayName
		if label == "" {
			label = resp.RoleName
		}
		a.send(ctx, b, tgChat, fmt.Sprintf("%s:\n%s", label, resp.Text))
	}
}

func (a *Adapter) handleReset(ctx context.Context, b *bot.Bot, tgChat int64, chatID string) {
	status, err := a.core.ResetConversation(chatID)
	if err != nil {
		a.logger.Error("reset failed", "chat", chatID, "error", err)
		a.send(ctx, b, tgChat, "Reset failed.")
		return
	}
	a.send(ctx, b, tgChat, status)
}

func (a *Adapter) handleStatus(ctx context.Context, b *bot.Bot, tgChat int64) {
	st := a.core.GetStatus()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Roles (%d):\n", len(st.Roles))
	for _, role := range st.Roles {
		mark := ""
		if role.Moderator {
			mark = " (moderator)"
		}
		fmt.Fprintf(&sb, "  %s [%s]%s\n", role.DisplayName, role.Connector, mark)
	}
	fmt.Fprintf(&sb, "Live connections: %d\n", len(st.Connections))
	for _, rec := range st.Connections {
		fmt.Fprintf(&sb, "  %s/%s health=%.1f uses=%d\n", rec.ChatID, rec.RoleName, rec.HealthScore, rec.UsageCount)
	}
	a.send(ctx, b, tgChat, sb.String())
}

func (a *Adapter) send(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		a.logger.Error("failed to send message", "chat", chatID, "error", err)
	}
}

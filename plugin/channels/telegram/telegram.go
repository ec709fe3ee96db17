// Package telegram serves the router as a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/divinesense-router/ai/router"
)

const (
	// SessionPrefix namespaces chat sessions; the chat id is appended.
	SessionPrefix = "telegram:"

	DefaultPollTimeout   = 30 // seconds
	DefaultMaxConcurrent = 8
	DefaultReplyTimeout  = 45 * time.Second
)

// ErrInvalidUpdate is returned for updates that carry no chat message.
var ErrInvalidUpdate = errors.New("telegram: update has no message")

const (
	greetingText    = "Hi! Tell me what you need, like \"add milk to my shopping list\" or \"what's on my calendar\"."
	resetText       = "Okay, I've forgotten our conversation."
	textOnlyText    = "I can only read text messages."
	unavailableText = "Sorry, I can't help with that right now."
)

// Router routes one utterance within a session.
type Router interface {
	Route(ctx context.Context, utterance, sessionID string) (*router.RoutingResult, error)
	ResetSession(ctx context.Context, sessionID string) (bool, error)
}

// Config configures a Channel.
type Config struct {
	BotToken string
	// APIEndpoint overrides tgbotapi.APIEndpoint, a format string taking the
	// token and the method.
	APIEndpoint   string
	HTTPClient    *http.Client
	PollTimeout   int
	MaxConcurrent int
	ReplyTimeout  time.Duration
	Logger        *slog.Logger
}

// Channel forwards chat messages to the router and replies with the result.
type Channel struct {
	bot    *tgbotapi.BotAPI
	router Router
	cfg    Config
	logger *slog.Logger
}

// New connects to the Bot API and verifies the token.
func New(cfg Config, r Router) (*Channel, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Duration(DefaultPollTimeout+15) * time.Second}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return &Channel{bot: bot, router: r, cfg: cfg, logger: cfg.Logger}, nil
}

// Username returns the bot's user name.
func (c *Channel) Username() string {
	return c.bot.Self.UserName
}

// Run long-polls for updates until ctx is cancelled. Updates are handled
// concurrently up to MaxConcurrent; the router serializes each chat.
func (c *Channel) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.cfg.PollTimeout
	updates := c.bot.GetUpdatesChan(u)
	c.logger.Info("telegram: polling for updates", "bot", c.Username())

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrent)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			g.Go(func() error {
				if err := c.HandleUpdate(ctx, update); err != nil && !errors.Is(err, ErrInvalidUpdate) {
					c.logger.Warn("telegram: failed to handle update", "update_id", update.UpdateID, "error", err)
				}
				return nil
			})
		}
	}
}

// HandleUpdate routes one update and sends the reply. Commands /start and
// /reset are answered without routing.
func (c *Channel) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		return ErrInvalidUpdate
	}
	sessionID := SessionPrefix + strconv.FormatInt(msg.Chat.ID, 10)

	var reply string
	switch {
	case msg.IsCommand() && msg.Command() == "start":
		reply = greetingText
	case msg.IsCommand() && msg.Command() == "reset":
		reply = resetText
		if _, err := c.router.ResetSession(ctx, sessionID); err != nil {
			c.logger.Warn("telegram: reset failed", "session_id", sessionID, "error", err)
			reply = unavailableText
		}
	case msg.Text == "":
		reply = textOnlyText
	default:
		ctx, cancel := context.WithTimeout(ctx, c.cfg.ReplyTimeout)
		defer cancel()
		res, err := c.router.Route(ctx, msg.Text, sessionID)
		if err != nil {
			c.logger.Warn("telegram: route failed", "session_id", sessionID, "error", err)
			reply = unavailableText
		} else {
			reply = res.Text
			c.logger.Debug("telegram: routed message",
				"session_id", sessionID,
				"request_id", res.RequestID,
				"status", res.Status,
				"tier", res.TierUsed)
		}
	}
	if reply == "" {
		reply = unavailableText
	}
	return c.send(msg.Chat.ID, msg.MessageID, reply)
}

func (c *Channel) send(chatID int64, replyTo int, text string) error {
	out := tgbotapi.NewMessage(chatID, text)
	out.ReplyToMessageID = replyTo
	if _, err := c.bot.Send(out); err != nil {
		return fmt.Errorf("send message to chat %d: %w", chatID, err)
	}
	return nil
}

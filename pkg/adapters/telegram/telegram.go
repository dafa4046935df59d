// Copyright 2024-2026 Aiku AI

// Package telegram connects the relay to a Telegram bot through long
// polling. The poll loop is call-blocking, so its messages are handed to
// the engine through the mailbox.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog"

	"github.com/aiku/tdm-bridge/pkg/bridge"
)

const (
	// maxMessageLength is Telegram's limit for message text.
	maxMessageLength = 4096

	DefaultPollTimeout = 30 * time.Second
)

// botAPI is the subset of *telego.Bot the adapter uses. Tests inject a fake.
type botAPI interface {
	GetMe(ctx context.Context) (*telego.User, error)
	GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

var _ botAPI = (*telego.Bot)(nil)

// Config holds the Telegram connection settings.
type Config struct {
	Token string
	// APIServer overrides https://api.telegram.org, e.g. for a local Bot API
	// server.
	APIServer   string
	PollTimeout time.Duration
}

// Adapter implements bridge.Adapter for Telegram.
type Adapter struct {
	api         botAPI
	log         zerolog.Logger
	pollTimeout time.Duration

	// offset and botID are only touched by Connect and ReceiveLoop, which the
	// supervisor never runs concurrently.
	offset int
	botID  int64
}

var (
	_ bridge.Adapter         = (*Adapter)(nil)
	_ bridge.BlockingAdapter = (*Adapter)(nil)
)

// New creates the adapter. It does not contact Telegram; Connect does.
func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, &bridge.ConnectError{Platform: bridge.PlatformTelegram, Permanent: true, Err: errors.New("bot token is empty")}
	}
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(cfg.APIServer))
	}
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, &bridge.ConnectError{Platform: bridge.PlatformTelegram, Permanent: true, Err: fmt.Errorf("create bot: %w", err)}
	}
	return newAdapter(bot, cfg, log), nil
}

func newAdapter(api botAPI, cfg Config, log zerolog.Logger) *Adapter {
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Adapter{
		api:         api,
		log:         log.With().Str("component", "telegram").Logger(),
		pollTimeout: pollTimeout,
	}
}

func (a *Adapter) Platform() bridge.Platform {
	return bridge.PlatformTelegram
}

// Blocking reports true: getUpdates long polling holds the calling
// goroutine for up to the poll timeout.
func (a *Adapter) Blocking() bool {
	return true
}

// Connect verifies the token with getMe.
func (a *Adapter) Connect(ctx context.Context) error {
	me, err := a.api.GetMe(ctx)
	if err != nil {
		return &bridge.ConnectError{
			Platform:  bridge.PlatformTelegram,
			Permanent: isUnauthorized(err),
			Err:       fmt.Errorf("getMe: %w", err),
		}
	}
	a.botID = me.ID
	a.log.Info().Int64("bot_id", me.ID).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// ReceiveLoop long-polls getUpdates until ctx is done. A failed poll ends
// the loop with a *bridge.ConnectError so the supervisor can back off and
// reconnect; the update offset survives the restart.
func (a *Adapter) ReceiveLoop(ctx context.Context, onMessage func(bridge.InboundMessage)) error {
	a.log.Info().Dur("poll_timeout", a.pollTimeout).Msg("Starting update polling")
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := a.api.GetUpdates(ctx, &telego.GetUpdatesParams{
			Offset:         a.offset,
			Timeout:        int(a.pollTimeout / time.Second),
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &bridge.ConnectError{
				Platform:  bridge.PlatformTelegram,
				Permanent: isUnauthorized(err),
				Err:       fmt.Errorf("getUpdates: %w", err),
			}
		}
		for _, update := range updates {
			if update.UpdateID >= a.offset {
				a.offset = update.UpdateID + 1
			}
			if msg, ok := a.parseUpdate(update); ok {
				onMessage(msg)
			}
		}
	}
}

// parseUpdate applies echo prevention and converts a text message. It
// returns false for anything that must not be relayed.
func (a *Adapter) parseUpdate(update telego.Update) (bridge.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.From == nil {
		return bridge.InboundMessage{}, false
	}

	// Echo prevention: skip own posts and every other bot.
	if m.From.IsBot || m.From.ID == a.botID {
		a.log.Debug().
			Int64("user_id", m.From.ID).
			Str("username", m.From.Username).
			Msg("Skipping bot message (echo prevention)")
		return bridge.InboundMessage{}, false
	}

	if strings.TrimSpace(m.Text) == "" {
		return bridge.InboundMessage{}, false
	}

	source := bridge.Location{
		Platform: bridge.PlatformTelegram,
		ID:       strconv.FormatInt(m.Chat.ID, 10),
	}
	if m.IsTopicMessage && m.MessageThreadID != 0 {
		source.Thread = strconv.Itoa(m.MessageThreadID)
	}
	return bridge.NewInboundMessage(source, senderName(m.From), m.Text), true
}

// senderName is "first last", falling back to @username and then the id.
func senderName(u *telego.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	switch {
	case name != "":
		return name
	case u.Username != "":
		return "@" + u.Username
	default:
		return strconv.FormatInt(u.ID, 10)
	}
}

// Send posts msg.Body to the destination chat, inside the destination's
// forum topic when it has one.
func (a *Adapter) Send(ctx context.Context, msg bridge.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.Destination.ID, 10, 64)
	if err != nil {
		return bridge.NewSendError(bridge.PlatformTelegram, bridge.SendRejected, fmt.Errorf("invalid chat id %q: %w", msg.Destination.ID, err))
	}
	params := &telego.SendMessageParams{
		ChatID: tu.ID(chatID),
		Text:   bridge.Truncate(msg.Body, maxMessageLength),
	}
	if msg.Destination.Thread != "" {
		threadID, err := strconv.Atoi(msg.Destination.Thread)
		if err != nil {
			return bridge.NewSendError(bridge.PlatformTelegram, bridge.SendRejected, fmt.Errorf("invalid thread id %q: %w", msg.Destination.Thread, err))
		}
		params.MessageThreadID = threadID
	}

	if _, err := a.api.SendMessage(ctx, params); err != nil {
		return classifySendError(err)
	}
	return nil
}

func classifySendError(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode == 429 {
			return bridge.NewSendError(bridge.PlatformTelegram, bridge.SendRateLimited, err)
		}
		return bridge.NewSendError(bridge.PlatformTelegram, bridge.SendRejected, err)
	}
	return bridge.ClassifyTransport(bridge.PlatformTelegram, err)
}

// isUnauthorized reports whether Telegram rejected the bot token.
func isUnauthorized(err error) bool {
	var apiErr *telegoapi.Error
	return errors.As(err, &apiErr) && (apiErr.ErrorCode == 401 || apiErr.ErrorCode == 404)
}

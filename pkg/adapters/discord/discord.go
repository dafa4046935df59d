// Copyright 2024-2026 Aiku AI

// Package discord connects the relay to a Discord bot over the gateway and
// posts relayed messages through per-channel webhooks when configured.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/tdm-bridge/pkg/bridge"
)

const (
	maxContentLength  = 2000
	maxUsernameLength = 80
)

// restAPI is the subset of *discordgo.Session used for sending. Tests
// inject a fake.
type restAPI interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// gateway is the websocket side of *discordgo.Session.
type gateway interface {
	Open() error
	Close() error
}

var (
	_ restAPI = (*discordgo.Session)(nil)
	_ gateway = (*discordgo.Session)(nil)
)

// Config holds the Discord connection settings.
type Config struct {
	Token string
	// Webhooks maps a channel id to the webhook URL used to post into it
	// under the relayed sender's name.
	Webhooks map[string]string
}

// Adapter implements bridge.Adapter for Discord.
type Adapter struct {
	rest     restAPI
	gateway  gateway
	webhooks map[string]webhook
	log      zerolog.Logger

	onMessage atomic.Pointer[func(bridge.InboundMessage)]
}

var _ bridge.Adapter = (*Adapter)(nil)

// New creates the adapter and registers its gateway handlers. It does not
// connect; Connect does.
func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, &bridge.ConnectError{Platform: bridge.PlatformDiscord, Permanent: true, Err: errors.New("bot token is empty")}
	}
	webhooks, err := parseWebhooks(cfg.Webhooks)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	// Handlers run on the gateway goroutine so messages from one channel
	// are relayed in order.
	session.SyncEvents = true

	a := newAdapter(session, session, webhooks, log)
	session.AddHandler(a.handleMessageCreate)
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			a.log.Info().Str("user_id", r.User.ID).Str("username", r.User.Username).Int("guilds", len(r.Guilds)).Msg("Gateway ready")
		}
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Warn().Msg("Gateway disconnected, discordgo will reconnect")
	})
	return a, nil
}

func newAdapter(rest restAPI, gw gateway, webhooks map[string]webhook, log zerolog.Logger) *Adapter {
	return &Adapter{
		rest:     rest,
		gateway:  gw,
		webhooks: webhooks,
		log:      log.With().Str("component", "discord").Logger(),
	}
}

func (a *Adapter) Platform() bridge.Platform {
	return bridge.PlatformDiscord
}

// Connect opens and identifies the gateway session.
func (a *Adapter) Connect(_ context.Context) error {
	err := a.gateway.Open()
	if err == nil || errors.Is(err, discordgo.ErrWSAlreadyOpen) {
		a.log.Info().Int("webhooks", len(a.webhooks)).Msg("Connected to Discord gateway")
		return nil
	}
	var restErr *discordgo.RESTError
	permanent := errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusUnauthorized
	return &bridge.ConnectError{Platform: bridge.PlatformDiscord, Permanent: permanent, Err: fmt.Errorf("open gateway: %w", err)}
}

// ReceiveLoop forwards gateway messages to onMessage until ctx is done,
// then closes the session. discordgo reconnects dropped gateways itself.
func (a *Adapter) ReceiveLoop(ctx context.Context, onMessage func(bridge.InboundMessage)) error {
	a.onMessage.Store(&onMessage)
	defer a.onMessage.Store(nil)

	<-ctx.Done()
	if err := a.gateway.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close gateway")
	}
	return nil
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	selfID := ""
	if s != nil && s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	msg, ok := a.parseMessage(m.Message, selfID)
	if !ok {
		return
	}
	if cb := a.onMessage.Load(); cb != nil {
		(*cb)(msg)
	}
}

// parseMessage applies echo prevention and converts a message. It returns
// false for anything that must not be relayed.
func (a *Adapter) parseMessage(m *discordgo.Message, selfID string) (bridge.InboundMessage, bool) {
	if m == nil || m.Author == nil {
		return bridge.InboundMessage{}, false
	}

	// Echo prevention: skip own posts.
	if selfID != "" && m.Author.ID == selfID {
		return bridge.InboundMessage{}, false
	}

	// Echo prevention: skip webhook posts, which includes everything this
	// bridge relays in.
	if m.WebhookID != "" {
		a.log.Debug().
			Str("message_id", m.ID).
			Str("webhook_id", m.WebhookID).
			Msg("Skipping webhook message (echo prevention)")
		return bridge.InboundMessage{}, false
	}

	// Echo prevention: skip other bots.
	if m.Author.Bot {
		a.log.Debug().
			Str("message_id", m.ID).
			Str("author_id", m.Author.ID).
			Msg("Skipping bot message (echo prevention)")
		return bridge.InboundMessage{}, false
	}

	content := m.ContentWithMentionsReplaced()
	if strings.TrimSpace(content) == "" {
		return bridge.InboundMessage{}, false
	}

	source := bridge.Location{Platform: bridge.PlatformDiscord, ID: m.ChannelID}
	return bridge.NewInboundMessage(source, displayName(m), content), true
}

// displayName prefers the guild nickname, then the global name, then the
// username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	return m.Author.DisplayName()
}

// Send posts through the channel's webhook when one is configured, so the
// message shows the relayed sender's name; otherwise it posts as the bot.
func (a *Adapter) Send(ctx context.Context, msg bridge.OutboundMessage) error {
	content := bridge.Truncate(msg.Body, maxContentLength)

	var err error
	if wh, ok := a.webhooks[msg.Destination.ID]; ok {
		_, err = a.rest.WebhookExecute(wh.id, wh.token, true, &discordgo.WebhookParams{
			Content:  content,
			Username: bridge.Truncate(msg.Username, maxUsernameLength),
			// Relayed text must never ping anyone.
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
		}, discordgo.WithContext(ctx))
	} else {
		_, err = a.rest.ChannelMessageSend(msg.Destination.ID, content, discordgo.WithContext(ctx))
	}
	return classifySendError(err)
}

func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return bridge.NewSendError(bridge.PlatformDiscord, bridge.SendRateLimited, err)
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		if restErr.Response.StatusCode == http.StatusTooManyRequests {
			return bridge.NewSendError(bridge.PlatformDiscord, bridge.SendRateLimited, err)
		}
		return bridge.NewSendError(bridge.PlatformDiscord, bridge.SendRejected, err)
	}
	return bridge.ClassifyTransport(bridge.PlatformDiscord, err)
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package matrix connects the relay to a Matrix homeserver as a regular
// user account over the client-server /sync API.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/tdm-bridge/pkg/bridge"
)

const displayNameTTL = 10 * time.Minute

// client is the subset of *mautrix.Client the adapter needs.
type client interface {
	Whoami(ctx context.Context) (*mautrix.RespWhoami, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
	SyncWithContext(ctx context.Context) error
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, outContent interface{}) error
	GetDisplayName(ctx context.Context, mxid id.UserID) (*mautrix.RespUserDisplayName, error)
}

var _ client = (*mautrix.Client)(nil)

// Config holds the Matrix account settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are joined on connect. Rooms must be joined before their
	// events show up in /sync.
	Rooms []string
}

// Adapter implements bridge.Adapter for Matrix.
type Adapter struct {
	cli    client
	userID id.UserID
	rooms  []id.RoomID
	log    zerolog.Logger

	startedAt atomic.Int64 // unix ms of the last Connect
	names     *gocache.Cache
	onMessage atomic.Pointer[func(bridge.InboundMessage)]
}

var _ bridge.Adapter = (*Adapter)(nil)

// New creates the adapter and hooks message events on the client's syncer.
func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, &bridge.ConnectError{Platform: bridge.PlatformMatrix, Permanent: true, Err: errors.New("homeserver, user_id and access_token are required")}
	}
	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	a := newAdapter(cli, cfg, log)
	cli.Log = a.log.With().Str("subcomponent", "mautrix").Logger()

	syncer, ok := cli.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return nil, fmt.Errorf("matrix syncer %T does not accept event handlers", cli.Syncer)
	}
	syncer.OnEventType(event.EventMessage, a.handleEvent)
	return a, nil
}

func newAdapter(cli client, cfg Config, log zerolog.Logger) *Adapter {
	rooms := make([]id.RoomID, 0, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		rooms = append(rooms, id.RoomID(r))
	}
	return &Adapter{
		cli:    cli,
		userID: id.UserID(cfg.UserID),
		rooms:  rooms,
		log:    log.With().Str("component", "matrix").Logger(),
		names:  gocache.New(displayNameTTL, 2*displayNameTTL),
	}
}

func (a *Adapter) Platform() bridge.Platform {
	return bridge.PlatformMatrix
}

// Connect verifies the access token and joins the configured rooms. A room
// that cannot be joined is logged and skipped.
func (a *Adapter) Connect(ctx context.Context) error {
	resp, err := a.cli.Whoami(ctx)
	if err != nil {
		return &bridge.ConnectError{Platform: bridge.PlatformMatrix, Permanent: isAuthError(err), Err: fmt.Errorf("whoami: %w", err)}
	}
	if a.userID != "" && resp.UserID != a.userID {
		return &bridge.ConnectError{
			Platform:  bridge.PlatformMatrix,
			Permanent: true,
			Err:       fmt.Errorf("access token belongs to %s, not %s", resp.UserID, a.userID),
		}
	}
	a.userID = resp.UserID

	for _, room := range a.rooms {
		if _, err := a.cli.JoinRoomByID(ctx, room); err != nil {
			if ctx.Err() != nil {
				return &bridge.ConnectError{Platform: bridge.PlatformMatrix, Err: ctx.Err()}
			}
			a.log.Warn().Err(err).Str("room_id", room.String()).Msg("Failed to join room")
			continue
		}
		a.log.Debug().Str("room_id", room.String()).Msg("Joined room")
	}

	a.startedAt.Store(time.Now().UnixMilli())
	a.log.Info().Str("user_id", a.userID.String()).Int("rooms", len(a.rooms)).Msg("Connected to Matrix homeserver")
	return nil
}

// ReceiveLoop runs /sync until ctx is done. The sync loop retries transient
// failures itself; an error that escapes it means the session is gone.
func (a *Adapter) ReceiveLoop(ctx context.Context, onMessage func(bridge.InboundMessage)) error {
	a.onMessage.Store(&onMessage)
	defer a.onMessage.Store(nil)

	err := a.cli.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("sync stopped")
	}
	return &bridge.ConnectError{Platform: bridge.PlatformMatrix, Permanent: isAuthError(err), Err: fmt.Errorf("sync: %w", err)}
}

func (a *Adapter) handleEvent(ctx context.Context, evt *event.Event) {
	msg, ok := a.parseEvent(ctx, evt)
	if !ok {
		return
	}
	if cb := a.onMessage.Load(); cb != nil {
		(*cb)(msg)
	}
}

// parseEvent applies echo prevention and converts a room message event.
func (a *Adapter) parseEvent(ctx context.Context, evt *event.Event) (bridge.InboundMessage, bool) {
	if evt == nil || evt.Type != event.EventMessage {
		return bridge.InboundMessage{}, false
	}

	// Echo prevention: skip own events.
	if evt.Sender == a.userID {
		return bridge.InboundMessage{}, false
	}

	// Initial sync replays room history.
	if started := a.startedAt.Load(); started != 0 && evt.Timestamp < started {
		return bridge.InboundMessage{}, false
	}

	content := evt.Content.AsMessage()
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return bridge.InboundMessage{}, false
	}

	body := content.Body
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
	case event.MsgEmote:
		body = "* " + body
	default:
		return bridge.InboundMessage{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		body = stripReplyFallback(body)
	}
	if strings.TrimSpace(body) == "" {
		return bridge.InboundMessage{}, false
	}

	// Echo prevention: another bridge reposting relayed text.
	if bridge.HasBridgedPrefix(body, bridge.PlatformMatrix) {
		a.log.Debug().
			Str("event_id", evt.ID.String()).
			Str("sender", evt.Sender.String()).
			Msg("Skipping bridged message (echo prevention)")
		return bridge.InboundMessage{}, false
	}

	source := bridge.Location{Platform: bridge.PlatformMatrix, ID: evt.RoomID.String()}
	msg := bridge.NewInboundMessage(source, a.senderName(ctx, evt.RoomID, evt.Sender), body)
	if evt.Timestamp > 0 {
		msg.ReceivedAt = time.UnixMilli(evt.Timestamp)
	}
	return msg, true
}

// senderName resolves the room display name, then the global one, then
// falls back to the MXID. Results are cached per room.
func (a *Adapter) senderName(ctx context.Context, room id.RoomID, user id.UserID) string {
	key := room.String() + "|" + user.String()
	if name, ok := a.names.Get(key); ok {
		return name.(string)
	}

	name := user.String()
	var member event.MemberEventContent
	if err := a.cli.StateEvent(ctx, room, event.StateMember, user.String(), &member); err == nil && member.Displayname != "" {
		name = member.Displayname
	} else if resp, err := a.cli.GetDisplayName(ctx, user); err == nil && resp.DisplayName != "" {
		name = resp.DisplayName
	}
	a.names.SetDefault(key, name)
	return name
}

// Send posts msg as an m.text event from the bridge account.
func (a *Adapter) Send(ctx context.Context, msg bridge.OutboundMessage) error {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: msg.Body}
	_, err := a.cli.SendMessageEvent(ctx, id.RoomID(msg.Destination.ID), event.EventMessage, content)
	return classifySendError(err)
}

func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	if respErr, ok := asRespError(err); ok {
		if respErr.ErrCode == mautrix.MLimitExceeded.ErrCode {
			return bridge.NewSendError(bridge.PlatformMatrix, bridge.SendRateLimited, err)
		}
		return bridge.NewSendError(bridge.PlatformMatrix, bridge.SendRejected, err)
	}
	return bridge.ClassifyTransport(bridge.PlatformMatrix, err)
}

func isAuthError(err error) bool {
	respErr, ok := asRespError(err)
	if !ok {
		return false
	}
	switch respErr.ErrCode {
	case mautrix.MUnknownToken.ErrCode, mautrix.MMissingToken.ErrCode, mautrix.MForbidden.ErrCode:
		return true
	}
	return false
}

// asRespError finds the homeserver's errcode in err's chain. HTTPError
// unwraps to a RespError value, but callers may wrap a pointer too.
func asRespError(err error) (mautrix.RespError, bool) {
	var val mautrix.RespError
	if errors.As(err, &val) {
		return val, true
	}
	var ptr *mautrix.RespError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return mautrix.RespError{}, false
}

// stripReplyFallback removes the "> " quoted block clients prepend to reply
// bodies, along with the blank line that ends it.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

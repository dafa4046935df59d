// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/tdm-bridge/pkg/bridge"
)

const (
	botMXID   = id.UserID("@relay:example.org")
	aliceMXID = id.UserID("@alice:example.org")
	room      = id.RoomID("!g:example.org")
)

// fakeClient is a mutex-protected stand-in for *mautrix.Client.
type fakeClient struct {
	mu          sync.Mutex
	whoami      id.UserID
	whoamiErr   error
	joined      []id.RoomID
	memberNames map[id.UserID]string
	globalNames map[id.UserID]string
	stateCalls  int
	sent        []*event.MessageEventContent
	sendErr     error
	syncErr     error
	events      []*event.Event
	handler     func(context.Context, *event.Event)
}

func (f *fakeClient) Whoami(context.Context) (*mautrix.RespWhoami, error) {
	if f.whoamiErr != nil {
		return nil, f.whoamiErr
	}
	return &mautrix.RespWhoami{UserID: f.whoami}, nil
}

func (f *fakeClient) JoinRoomByID(_ context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomID)
	return &mautrix.RespJoinRoom{RoomID: roomID}, nil
}

// SyncWithContext dispatches the queued events, then blocks until ctx is
// done unless syncErr is set.
func (f *fakeClient) SyncWithContext(ctx context.Context) error {
	for _, evt := range f.events {
		f.handler(ctx, evt)
	}
	if f.syncErr != nil {
		return f.syncErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeClient) SendMessageEvent(_ context.Context, _ id.RoomID, _ event.Type, contentJSON interface{}, _ ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, contentJSON.(*event.MessageEventContent))
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &mautrix.RespSendEvent{EventID: id.EventID(fmt.Sprintf("$%d", len(f.sent)))}, nil
}

func (f *fakeClient) StateEvent(_ context.Context, _ id.RoomID, _ event.Type, stateKey string, outContent interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	name, ok := f.memberNames[id.UserID(stateKey)]
	if !ok {
		return mautrix.MNotFound
	}
	outContent.(*event.MemberEventContent).Displayname = name
	return nil
}

func (f *fakeClient) GetDisplayName(_ context.Context, mxid id.UserID) (*mautrix.RespUserDisplayName, error) {
	name, ok := f.globalNames[mxid]
	if !ok {
		return nil, mautrix.MNotFound
	}
	return &mautrix.RespUserDisplayName{DisplayName: name}, nil
}

func newTestAdapter(cli *fakeClient) *Adapter {
	a := newAdapter(cli, Config{UserID: botMXID.String(), Rooms: []string{room.String()}}, zerolog.Nop())
	cli.handler = a.handleEvent
	return a
}

func messageEvent(sender id.UserID, ts int64, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		ID:        "$evt",
		RoomID:    room,
		Sender:    sender,
		Timestamp: ts,
		Content:   event.Content{Parsed: content},
	}
}

func TestParseEvent(t *testing.T) {
	t.Parallel()
	cli := &fakeClient{memberNames: map[id.UserID]string{aliceMXID: "Alice"}}
	a := newTestAdapter(cli)
	a.startedAt.Store(1000)

	reply := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "> <@bob:example.org> original\n> second line\n\nmy answer",
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$orig"}},
	}
	edit := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "* fixed",
		RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$orig"},
	}

	tests := []struct {
		name     string
		evt      *event.Event
		wantOK   bool
		wantBody string
	}{
		{name: "text", evt: messageEvent(aliceMXID, 2000, &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}), wantOK: true, wantBody: "hi"},
		{name: "notice", evt: messageEvent(aliceMXID, 2000, &event.MessageEventContent{MsgType: event.MsgNotice, Body: "fyi"}), wantOK: true, wantBody: "fyi"},
		{name: "emote", evt: messageEvent(aliceMXID, 2000, &event.MessageEventContent{MsgType: event.MsgEmote, Body: "waves"}), wantOK: true, wantBody: "* waves"},
		{name: "reply fallback stripped", evt: messageEvent(aliceMXID, 2000, reply), wantOK: true, wantBody: "my answer"},
		{name: "own event", evt: messageEvent(botMXID, 2000, &event.MessageEventContent{MsgType: event.MsgText, Body: "<Telegram: Bob>: x"})},
		{name: "backlog", evt: messageEvent(aliceMXID, 999, &event.MessageEventContent{MsgType: event.MsgText, Body: "old"})},
		{name: "image", evt: messageEvent(aliceMXID, 2000, &event.MessageEventContent{MsgType: event.MsgImage, Body: "cat.png"})},
		{name: "edit", evt: messageEvent(aliceMXID, 2000, edit)},
		{name: "other bridge", evt: messageEvent(aliceMXID, 2000, &event.MessageEventContent{MsgType: event.MsgNotice, Body: "<Discord: Bob>: yo"})},
		{name: "empty", evt: messageEvent(aliceMXID, 2000, &event.MessageEventContent{MsgType: event.MsgText, Body: " "})},
		{name: "nil", evt: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, ok := a.parseEvent(context.Background(), tt.evt)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantBody, msg.Body)
			assert.Equal(t, "Alice", msg.Sender)
			assert.Equal(t, bridge.Location{Platform: bridge.PlatformMatrix, ID: room.String()}, msg.Source)
			assert.Equal(t, time.UnixMilli(2000), msg.ReceivedAt)
		})
	}
}

func TestSenderNameFallbacksAndCache(t *testing.T) {
	t.Parallel()
	carol := id.UserID("@carol:example.org")
	dave := id.UserID("@dave:example.org")
	cli := &fakeClient{
		memberNames: map[id.UserID]string{aliceMXID: "Alice in Room"},
		globalNames: map[id.UserID]string{aliceMXID: "Alice", carol: "Carol"},
	}
	a := newTestAdapter(cli)
	ctx := context.Background()

	assert.Equal(t, "Alice in Room", a.senderName(ctx, room, aliceMXID))
	assert.Equal(t, "Carol", a.senderName(ctx, room, carol))
	assert.Equal(t, dave.String(), a.senderName(ctx, room, dave))

	calls := cli.stateCalls
	assert.Equal(t, "Alice in Room", a.senderName(ctx, room, aliceMXID))
	assert.Equal(t, calls, cli.stateCalls, "second lookup should hit the cache")
}

func TestStripReplyFallback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"> quote\n\nanswer", "answer"},
		{"> a\n> b\n\nline1\nline2", "line1\nline2"},
		{"> only quote", ""},
		{">not a fallback", ">not a fallback"},
	}
	for _, tt := range tests {
		if got := stripReplyFallback(tt.in); got != tt.want {
			t.Errorf("stripReplyFallback(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConnect(t *testing.T) {
	t.Parallel()
	cli := &fakeClient{whoami: botMXID}
	a := newTestAdapter(cli)
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, []id.RoomID{room}, cli.joined)
	assert.NotZero(t, a.startedAt.Load())

	wrong := newTestAdapter(&fakeClient{whoami: aliceMXID})
	assert.True(t, bridge.IsPermanent(wrong.Connect(context.Background())))

	revoked := newTestAdapter(&fakeClient{whoamiErr: fmt.Errorf("whoami: %w", mautrix.MUnknownToken)})
	assert.True(t, bridge.IsPermanent(revoked.Connect(context.Background())))

	down := newTestAdapter(&fakeClient{whoamiErr: errors.New("connection refused")})
	err := down.Connect(context.Background())
	var ce *bridge.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Permanent)
}

func TestReceiveLoop(t *testing.T) {
	t.Parallel()
	cli := &fakeClient{
		memberNames: map[id.UserID]string{aliceMXID: "Alice"},
		events: []*event.Event{
			messageEvent(aliceMXID, 5000, &event.MessageEventContent{MsgType: event.MsgText, Body: "one"}),
			messageEvent(botMXID, 5000, &event.MessageEventContent{MsgType: event.MsgText, Body: "echo"}),
			messageEvent(aliceMXID, 5001, &event.MessageEventContent{MsgType: event.MsgText, Body: "two"}),
		},
	}
	a := newTestAdapter(cli)

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	err := a.ReceiveLoop(ctx, func(m bridge.InboundMessage) {
		got = append(got, m.Body)
		if len(got) == 2 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)

	failing := newTestAdapter(&fakeClient{syncErr: fmt.Errorf("sync: %w", mautrix.MUnknownToken)})
	err = failing.ReceiveLoop(context.Background(), func(bridge.InboundMessage) {})
	assert.True(t, bridge.IsPermanent(err))
}

func TestSendErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantKind bridge.SendErrorKind
	}{
		{name: "rate limited", err: fmt.Errorf("send: %w", mautrix.MLimitExceeded), wantKind: bridge.SendRateLimited},
		{name: "forbidden", err: fmt.Errorf("send: %w", mautrix.MForbidden), wantKind: bridge.SendRejected},
		{name: "timeout", err: context.DeadlineExceeded, wantKind: bridge.SendNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAdapter(&fakeClient{sendErr: tt.err})
			err := a.Send(context.Background(), bridge.OutboundMessage{Destination: bridge.Location{Platform: bridge.PlatformMatrix, ID: room.String()}, Body: "x"})
			kind, ok := bridge.SendErrorKindOf(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

// fakeHomeserver answers the handful of client-server endpoints the adapter
// calls and records sent message bodies.
type fakeHomeserver struct {
	mu     sync.Mutex
	bodies []string
	forbid bool
}

func (h *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/account/whoami"):
		_, _ = io.WriteString(w, `{"user_id":"@relay:example.org","device_id":"DEV"}`)
	case strings.Contains(r.URL.Path, "/join/"):
		_, _ = io.WriteString(w, `{"room_id":"!g:example.org"}`)
	case strings.Contains(r.URL.Path, "/send/m.room.message/"):
		h.mu.Lock()
		forbid := h.forbid
		h.mu.Unlock()
		if forbid {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"errcode":"M_FORBIDDEN","error":"not in room"}`)
			return
		}
		var content struct {
			MsgType string `json:"msgtype"`
			Body    string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&content)
		h.mu.Lock()
		h.bodies = append(h.bodies, content.MsgType+"|"+content.Body)
		h.mu.Unlock()
		_, _ = io.WriteString(w, `{"event_id":"$sent"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"errcode":"M_UNRECOGNIZED","error":"unknown endpoint"}`)
	}
}

func TestAgainstHomeserver(t *testing.T) {
	t.Parallel()
	hs := &fakeHomeserver{}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	cli, err := mautrix.NewClient(srv.URL, botMXID, "token")
	require.NoError(t, err)
	a := newAdapter(cli, Config{UserID: botMXID.String(), Rooms: []string{room.String()}}, zerolog.Nop())

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Send(context.Background(), bridge.OutboundMessage{
		Origin:      bridge.PlatformTelegram,
		Destination: bridge.Location{Platform: bridge.PlatformMatrix, ID: room.String()},
		Body:        "<Telegram: Alice>: hi",
	}))

	hs.mu.Lock()
	assert.Equal(t, []string{"m.text|<Telegram: Alice>: hi"}, hs.bodies)
	hs.forbid = true
	hs.mu.Unlock()

	err = a.Send(context.Background(), bridge.OutboundMessage{Destination: bridge.Location{Platform: bridge.PlatformMatrix, ID: room.String()}, Body: "x"})
	kind, ok := bridge.SendErrorKindOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, bridge.SendRejected, kind)
}

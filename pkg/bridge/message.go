// Copyright 2024-2026 Aiku AI

package bridge

import (
	"time"

	"github.com/google/uuid"
)

// Location is an addressable endpoint: a chat, channel or room on a
// platform, optionally narrowed to a sub-thread. An empty Thread is the
// channel's default sub-location.
type Location struct {
	Platform Platform `yaml:"platform" json:"platform"`
	ID       string   `yaml:"id" json:"id"`
	Thread   string   `yaml:"thread,omitempty" json:"thread,omitempty"`
}

// Key renders a stable identity for the location, e.g. "telegram:-100123/7".
func (l Location) Key() string {
	if l.Thread == "" {
		return l.Platform.String() + ":" + l.ID
	}
	return l.Platform.String() + ":" + l.ID + "/" + l.Thread
}

// Channel returns the location with the thread stripped.
func (l Location) Channel() Location {
	return Location{Platform: l.Platform, ID: l.ID}
}

func (l Location) String() string {
	return l.Key()
}

// InboundMessage is a user message received by an adapter. It is consumed
// exactly once by the relay engine and must not be modified afterwards.
type InboundMessage struct {
	ID         string
	Origin     Platform
	Source     Location
	Sender     string
	Body       string
	ReceivedAt time.Time
}

// NewInboundMessage stamps a message with a correlation id and receipt time.
// The origin is taken from the source location.
func NewInboundMessage(source Location, sender, body string) InboundMessage {
	return InboundMessage{
		ID:         uuid.NewString(),
		Origin:     source.Platform,
		Source:     source,
		Sender:     sender,
		Body:       body,
		ReceivedAt: time.Now(),
	}
}

// OutboundMessage is a single delivery request produced by the relay engine.
type OutboundMessage struct {
	Origin      Platform
	Destination Location
	// Username is the attributed display name, "Telegram: Alice". Platforms
	// that can post under a per-message name (Discord webhooks) use it.
	Username string
	// Body is already prefixed with the attribution tag.
	Body string
}

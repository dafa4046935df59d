// Copyright 2024-2026 Aiku AI

package discord

import (
	"fmt"
	"net/url"
	"strings"
)

type webhook struct {
	id, token string
}

// parseWebhookURL extracts the id and token from a Discord webhook URL of
// the form https://discord.com/api/webhooks/{id}/{token}.
func parseWebhookURL(raw string) (webhook, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return webhook{}, fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return webhook{}, fmt.Errorf("invalid webhook url %q: unsupported scheme", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part != "webhooks" {
			continue
		}
		if i+2 >= len(parts) {
			break
		}
		id, token := parts[i+1], parts[i+2]
		if id == "" || token == "" {
			break
		}
		return webhook{id: id, token: token}, nil
	}
	return webhook{}, fmt.Errorf("invalid webhook url %q: expected .../webhooks/{id}/{token}", raw)
}

// parseWebhooks maps channel ids to parsed webhooks.
func parseWebhooks(urls map[string]string) (map[string]webhook, error) {
	out := make(map[string]webhook, len(urls))
	for channelID, raw := range urls {
		wh, err := parseWebhookURL(raw)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channelID, err)
		}
		out[channelID] = wh
	}
	return out, nil
}

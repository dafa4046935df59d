// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"
	"unicode/utf8"
)

// FormatBody builds the attributed body "<Tag: sender>: body".
func FormatBody(origin Platform, sender, body string) string {
	return AttributionPrefix(origin, sender) + body
}

// AttributionPrefix returns "<Tag: sender>: ".
func AttributionPrefix(origin Platform, sender string) string {
	return "<" + origin.Tag() + ": " + sender + ">: "
}

// DisplayUsername returns "Tag: sender", used as a per-message poster name.
func DisplayUsername(origin Platform, sender string) string {
	return origin.Tag() + ": " + sender
}

// HasBridgedPrefix reports whether body contains an attribution marker for
// any platform other than self. Bridges that cannot tell their own posts
// apart by author use this as a content-level echo filter.
func HasBridgedPrefix(body string, self Platform) bool {
	for _, p := range Platforms {
		if p == self {
			continue
		}
		if strings.Contains(body, "<"+p.Tag()+":") {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most limit runes, marking the cut with an
// ellipsis. Platforms reject over-long payloads outright.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"strings"
)

// Platform identifies a bridged chat service.
type Platform uint8

const (
	PlatformUnknown Platform = iota
	PlatformTelegram
	PlatformDiscord
	PlatformMatrix
)

// Platforms lists every supported platform in routing order.
var Platforms = []Platform{PlatformTelegram, PlatformDiscord, PlatformMatrix}

// ParsePlatform parses a case-insensitive platform name.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "telegram":
		return PlatformTelegram, nil
	case "discord":
		return PlatformDiscord, nil
	case "matrix":
		return PlatformMatrix, nil
	default:
		return PlatformUnknown, fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
	}
}

// String returns the lower-case config spelling of the platform.
func (p Platform) String() string {
	switch p {
	case PlatformTelegram:
		return "telegram"
	case PlatformDiscord:
		return "discord"
	case PlatformMatrix:
		return "matrix"
	default:
		return "unknown"
	}
}

// Tag returns the attribution tag used in relayed message prefixes.
func (p Platform) Tag() string {
	switch p {
	case PlatformTelegram:
		return "Telegram"
	case PlatformDiscord:
		return "Discord"
	case PlatformMatrix:
		return "Matrix"
	default:
		return "Unknown"
	}
}

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	return p >= PlatformTelegram && p <= PlatformMatrix
}

// SupportsThreads reports whether locations on p may carry a sub-thread id.
// Only Telegram forum topics are addressed this way; Discord threads are
// channels in their own right.
func (p Platform) SupportsThreads() bool {
	return p == PlatformTelegram
}

func (p Platform) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPlatform, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Platform) UnmarshalText(text []byte) error {
	parsed, err := ParsePlatform(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

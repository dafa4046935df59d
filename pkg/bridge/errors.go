// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrNoAdapter       = errors.New("no adapter for platform")
)

// SendErrorKind tags a failed send.
type SendErrorKind string

const (
	SendRejected    SendErrorKind = "rejected"
	SendRateLimited SendErrorKind = "rate_limited"
	SendNetwork     SendErrorKind = "network"
)

// SendError is a send failure reported by an adapter. The relay engine does
// not retry any kind.
type SendError struct {
	Platform Platform
	Kind     SendErrorKind
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed (%s): %v", e.Platform, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewSendError wraps err with the given kind. A nil err yields nil.
func NewSendError(p Platform, kind SendErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Platform: p, Kind: kind, Err: err}
}

// ClassifyTransport tags an error that did not come with a platform status
// code: timeouts and network errors are SendNetwork, anything else is
// SendRejected.
func ClassifyTransport(p Platform, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return NewSendError(p, SendNetwork, err)
	}
	return NewSendError(p, SendRejected, err)
}

// SendErrorKindOf extracts the kind of a *SendError anywhere in err's chain.
func SendErrorKindOf(err error) (SendErrorKind, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// ConnectError is a connection or authentication failure. Permanent errors
// (rejected credentials) are not retried by the supervisor.
type ConnectError struct {
	Platform  Platform
	Permanent bool
	Err       error
}

func (e *ConnectError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("%s connection failed permanently: %v", e.Platform, e.Err)
	}
	return fmt.Sprintf("%s connection failed: %v", e.Platform, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err carries a permanent *ConnectError.
func IsPermanent(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Permanent
}

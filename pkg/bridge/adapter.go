// Copyright 2024-2026 Aiku AI

package bridge

import "context"

// Adapter wraps one platform connection.
//
// Connect authenticates the session. ReceiveLoop runs until ctx is done or
// the connection is lost, calling onMessage once per inbound user message
// after applying the adapter's echo prevention filters; it returns nil on
// cancellation. Send delivers a single relayed message and reports failures
// as *SendError.
type Adapter interface {
	Platform() Platform
	Connect(ctx context.Context) error
	ReceiveLoop(ctx context.Context, onMessage func(InboundMessage)) error
	Send(ctx context.Context, msg OutboundMessage) error
}

// BlockingAdapter is implemented by adapters whose receive loop is
// call-blocking. Their messages reach the engine through the mailbox rather
// than by direct call.
type BlockingAdapter interface {
	Adapter
	Blocking() bool
}

// IsBlocking reports whether a is a blocking adapter.
func IsBlocking(a Adapter) bool {
	b, ok := a.(BlockingAdapter)
	return ok && b.Blocking()
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge defines the canonical message types and the adapter
// contract shared by the Telegram, Discord and Matrix sides of the relay.
//
// # Core Types
//
// [Platform] identifies one of the three bridged chat services. [Location]
// addresses a channel, chat or room on a platform, optionally narrowed to a
// sub-thread (a Telegram forum topic).
//
// [InboundMessage] is what an [Adapter] produces for every user message it
// receives. [OutboundMessage] is what the relay engine asks an adapter to
// deliver; its body already carries the attribution prefix built by
// [FormatBody].
//
// # Echo Prevention
//
// Adapters are the first line of loop defense: they must drop messages
// authored by the bridge's own identity, by webhooks and by other bots
// before handing anything to the engine. The engine's loop guard is the
// second line and does not replace the first. Neither layer may be removed.
//
// # Errors
//
// Send failures are reported as [*SendError] tagged with a [SendErrorKind].
// Connection failures are reported as [*ConnectError]; a permanent one tells
// the supervisor not to restart the adapter.
package bridge

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay turns one inbound message into deliveries on every routed
// destination.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/aiku/tdm-bridge/pkg/bridge"
	"github.com/aiku/tdm-bridge/pkg/loopguard"
	"github.com/aiku/tdm-bridge/pkg/routing"
)

// DefaultSendTimeout bounds a single delivery attempt.
const DefaultSendTimeout = 15 * time.Second

// Sender delivers one outbound message. Every bridge.Adapter is a Sender.
type Sender interface {
	Send(ctx context.Context, msg bridge.OutboundMessage) error
}

// DeliveryStatus is the outcome of one target.
type DeliveryStatus string

const (
	StatusSent       DeliveryStatus = "sent"
	StatusSuppressed DeliveryStatus = "suppressed"
	StatusFailed     DeliveryStatus = "failed"
)

// Delivery is the outcome for one resolved destination.
type Delivery struct {
	Destination bridge.Location
	Status      DeliveryStatus
	Err         error
}

// Report describes what Handle did with a message. Deliveries are in
// resolution order.
type Report struct {
	MessageID  string
	Duplicate  bool
	Deliveries []Delivery
}

// Count returns how many deliveries ended with status.
func (r Report) Count(status DeliveryStatus) int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Status == status {
			n++
		}
	}
	return n
}

// Params configures an Engine. Guard and Table are required.
type Params struct {
	Guard       *loopguard.Guard
	Table       *routing.Table
	Senders     map[bridge.Platform]Sender
	Tracer      trace.Tracer
	Log         zerolog.Logger
	SendTimeout time.Duration
}

// Engine is stateless between messages apart from the shared loop guard.
// Handle is safe to call from any number of goroutines.
type Engine struct {
	guard       *loopguard.Guard
	table       *routing.Table
	senders     map[bridge.Platform]Sender
	tracer      trace.Tracer
	log         zerolog.Logger
	sendTimeout time.Duration
}

func NewEngine(p Params) *Engine {
	e := &Engine{
		guard:       p.Guard,
		table:       p.Table,
		senders:     make(map[bridge.Platform]Sender, len(p.Senders)),
		tracer:      p.Tracer,
		log:         p.Log.With().Str("component", "relay").Logger(),
		sendTimeout: p.SendTimeout,
	}
	for platform, s := range p.Senders {
		e.senders[platform] = s
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("relay")
	}
	if e.sendTimeout <= 0 {
		e.sendTimeout = DefaultSendTimeout
	}
	return e
}

// Handle relays msg to every destination the routing table resolves for it.
//
// The raw body is checked against the loop guard first; a duplicate stops
// the message. Each destination is then sent concurrently, guarded again by
// (origin, destination, attributed body). Sends run on a context detached
// from ctx's cancellation so a shutdown lets them finish or time out on
// their own.
func (e *Engine) Handle(ctx context.Context, msg bridge.InboundMessage) Report {
	ctx, span := e.tracer.Start(ctx, "relay.handle", trace.WithAttributes(
		attribute.String("relay.message_id", msg.ID),
		attribute.String("relay.origin", msg.Origin.String()),
		attribute.String("relay.source", msg.Source.Key()),
	))
	defer span.End()

	log := e.log.With().
		Str("message_id", msg.ID).
		Str("origin", msg.Origin.String()).
		Str("source", msg.Source.Key()).
		Logger()
	report := Report{MessageID: msg.ID}

	if e.guard.CheckAndRecord(msg.Origin, msg.Sender, msg.Body) {
		log.Debug().Str("sender", msg.Sender).Msg("Skipping already seen message (loop guard)")
		span.SetAttributes(attribute.Bool("relay.duplicate", true))
		report.Duplicate = true
		return report
	}

	targets := e.table.ResolveTargets(msg.Origin, msg.Source)
	span.SetAttributes(attribute.Int("relay.targets", len(targets)))
	if len(targets) == 0 {
		log.Debug().Msg("No route for message")
		return report
	}

	body := bridge.FormatBody(msg.Origin, msg.Sender, msg.Body)
	username := bridge.DisplayUsername(msg.Origin, msg.Sender)
	sendCtx := context.WithoutCancel(ctx)

	report.Deliveries = make([]Delivery, len(targets))
	var wg conc.WaitGroup
	for i, target := range targets {
		wg.Go(func() {
			report.Deliveries[i] = e.deliver(sendCtx, log, msg, target, username, body)
		})
	}
	wg.Wait()

	sent, failed := report.Count(StatusSent), report.Count(StatusFailed)
	evt := log.Info()
	if failed > 0 {
		evt = log.Warn()
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d deliveries failed", failed, len(targets)))
	}
	evt.Int("targets", len(targets)).
		Int("sent", sent).
		Int("suppressed", report.Count(StatusSuppressed)).
		Int("failed", failed).
		Msg("Relayed message")
	return report
}

func (e *Engine) deliver(ctx context.Context, log zerolog.Logger, msg bridge.InboundMessage, dest bridge.Location, username, body string) Delivery {
	if dest.Platform.SupportsThreads() && dest.Thread == "" {
		if thread, ok := e.table.ResolveReplyThread(msg.Source, dest); ok {
			dest.Thread = thread
		}
	}
	ctx, span := e.tracer.Start(ctx, "relay.send", trace.WithAttributes(
		attribute.String("relay.destination", dest.Key()),
	))
	defer span.End()

	d := Delivery{Destination: dest}
	log = log.With().Str("destination", dest.Key()).Logger()

	sender, ok := e.senders[dest.Platform]
	if !ok {
		d.Status = StatusFailed
		d.Err = fmt.Errorf("%w: %s", bridge.ErrNoAdapter, dest.Platform)
		span.SetStatus(codes.Error, d.Err.Error())
		log.Warn().Err(d.Err).Msg("Cannot relay message")
		return d
	}

	if e.guard.CheckAndRecord(msg.Origin, dest.Key(), body) {
		d.Status = StatusSuppressed
		span.SetAttributes(attribute.Bool("relay.duplicate", true))
		log.Debug().Msg("Skipping duplicate send (loop guard)")
		return d
	}

	ctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = sender.Send(ctx, bridge.OutboundMessage{
			Origin:      msg.Origin,
			Destination: dest,
			Username:    username,
			Body:        body,
		})
	})
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	if err != nil {
		d.Status = StatusFailed
		d.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kind, _ := bridge.SendErrorKindOf(err)
		log.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to relay message")
		return d
	}
	d.Status = StatusSent
	log.Debug().Msg("Delivered message")
	return d
}

// Copyright 2024-2026 Aiku AI

// Package orchestrator runs the adapters under supervision and feeds their
// messages to the relay engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/aiku/tdm-bridge/pkg/bridge"
	"github.com/aiku/tdm-bridge/pkg/loopguard"
	"github.com/aiku/tdm-bridge/pkg/mailbox"
	"github.com/aiku/tdm-bridge/pkg/relay"
)

// Handler processes one inbound message. *relay.Engine is the production
// Handler.
type Handler interface {
	Handle(ctx context.Context, msg bridge.InboundMessage) relay.Report
}

var _ Handler = (*relay.Engine)(nil)

// Params configures an Orchestrator. Handler and Guard are required.
type Params struct {
	Handler  Handler
	Guard    *loopguard.Guard
	Adapters []bridge.Adapter
	// Mailbox carries messages from blocking adapters. Created with
	// mailbox.DefaultCapacity when nil.
	Mailbox *mailbox.Mailbox[bridge.InboundMessage]

	PollInterval  time.Duration
	SweepInterval time.Duration
	Supervisor    SupervisorConfig
	Version       string
	Log           zerolog.Logger
}

// Orchestrator owns the runtime: one supervised goroutine per adapter, the
// mailbox drain for blocking adapters and the loop guard sweeper.
type Orchestrator struct {
	handler       Handler
	guard         *loopguard.Guard
	mailbox       *mailbox.Mailbox[bridge.InboundMessage]
	pollInterval  time.Duration
	sweepInterval time.Duration
	version       string
	log           zerolog.Logger

	supervisors map[bridge.Platform]*supervisor
	order       []bridge.Platform

	// inflight is read-held by every Handle call. Shutdown takes the write
	// lock, which waits for in-flight calls and then flips closed.
	inflight sync.RWMutex
	closed   bool
	runCtx   context.Context
}

func New(p Params) (*Orchestrator, error) {
	if p.Handler == nil || p.Guard == nil {
		return nil, errors.New("orchestrator: handler and guard are required")
	}
	o := &Orchestrator{
		handler:       p.Handler,
		guard:         p.Guard,
		mailbox:       p.Mailbox,
		pollInterval:  p.PollInterval,
		sweepInterval: p.SweepInterval,
		version:       p.Version,
		log:           p.Log.With().Str("component", "orchestrator").Logger(),
		supervisors:   make(map[bridge.Platform]*supervisor, len(p.Adapters)),
	}
	if o.mailbox == nil {
		o.mailbox = mailbox.New[bridge.InboundMessage](mailbox.DefaultCapacity)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = mailbox.DefaultPollInterval
	}
	if o.sweepInterval <= 0 {
		o.sweepInterval = p.Guard.Window() / 2
	}
	for _, a := range p.Adapters {
		platform := a.Platform()
		if _, dup := o.supervisors[platform]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate adapter for %s", platform)
		}
		onMessage := o.dispatch
		if bridge.IsBlocking(a) {
			onMessage = o.enqueue
		}
		o.supervisors[platform] = newSupervisor(a, p.Supervisor, onMessage, p.Log.With().Str("component", platform.String()).Logger())
		o.order = append(o.order, platform)
	}
	return o, nil
}

// Run starts everything and blocks until ctx is done, then shuts down: new
// messages are refused, receive loops and background loops are stopped,
// and in-flight Handle calls are waited for.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.inflight.Lock()
	o.runCtx = runCtx
	o.closed = false
	o.inflight.Unlock()

	var wg conc.WaitGroup
	for _, platform := range o.order {
		s := o.supervisors[platform]
		wg.Go(func() { s.run(runCtx) })
	}
	wg.Go(func() { o.mailbox.Drain(runCtx, o.pollInterval, o.dispatch) })
	wg.Go(func() { o.sweepLoop(runCtx) })

	o.log.Info().
		Int("adapters", len(o.order)).
		Dur("poll_interval", o.pollInterval).
		Dur("sweep_interval", o.sweepInterval).
		Msg("Bridge running")

	<-ctx.Done()
	o.log.Info().Msg("Shutting down")

	o.mailbox.Close()
	o.inflight.Lock()
	o.closed = true
	o.inflight.Unlock()

	cancel()
	wg.Wait()

	if pending := len(o.mailbox.TakeAll()); pending > 0 {
		o.log.Warn().Int("pending", pending).Msg("Dropped queued messages at shutdown")
	}
	o.log.Info().Msg("Shutdown complete")
	return nil
}

// dispatch hands msg to the handler unless shutdown has begun.
func (o *Orchestrator) dispatch(msg bridge.InboundMessage) {
	o.inflight.RLock()
	defer o.inflight.RUnlock()
	if o.closed || o.runCtx == nil {
		o.log.Debug().Str("message_id", msg.ID).Msg("Refusing message during shutdown")
		return
	}
	o.handler.Handle(o.runCtx, msg)
}

// enqueue is the callback of blocking adapters.
func (o *Orchestrator) enqueue(msg bridge.InboundMessage) {
	if err := o.mailbox.Put(msg); err != nil {
		o.log.Warn().Err(err).
			Str("message_id", msg.ID).
			Str("source", msg.Source.Key()).
			Uint64("dropped_total", o.mailbox.Dropped()).
			Msg("Failed to queue message")
	}
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.guard.Sweep(); n > 0 {
				o.log.Debug().Int("evicted", n).Int("remaining", o.guard.Len()).Msg("Swept loop guard")
			}
		}
	}
}

// Sweep forces a loop guard sweep and returns the number of evicted entries.
func (o *Orchestrator) Sweep() int {
	return o.guard.Sweep()
}

// Snapshot reports the state of every adapter and the shared components.
func (o *Orchestrator) Snapshot() Snapshot {
	snap := Snapshot{
		Status:           "ok",
		Version:          o.version,
		Adapters:         make(map[string]AdapterStatus, len(o.supervisors)),
		LoopGuardEntries: o.guard.Len(),
		MailboxPending:   o.mailbox.Len(),
		MailboxDropped:   o.mailbox.Dropped(),
	}
	for platform, s := range o.supervisors {
		snap.Adapters[platform.String()] = s.Status()
	}
	if len(snap.Degraded()) > 0 {
		snap.Status = "degraded"
	}
	return snap
}

// Copyright 2024-2026 Aiku AI

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/aiku/tdm-bridge/pkg/bridge"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 2 * time.Minute
)

var errReceiveLoopExited = errors.New("receive loop exited")

// SupervisorConfig controls adapter restarts. MaxRestarts 0 means no limit.
type SupervisorConfig struct {
	MaxRestarts    int           `yaml:"max_restarts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// supervisor keeps one adapter connected: Connect, then ReceiveLoop, and on
// failure wait out an exponential backoff and try again. A permanent error
// or too many restarts leave the adapter degraded.
type supervisor struct {
	adapter   bridge.Adapter
	cfg       SupervisorConfig
	onMessage func(bridge.InboundMessage)
	log       zerolog.Logger

	mu     sync.Mutex
	status AdapterStatus
}

func newSupervisor(a bridge.Adapter, cfg SupervisorConfig, onMessage func(bridge.InboundMessage), log zerolog.Logger) *supervisor {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.InitialBackoff)
	}
	return &supervisor{
		adapter:   a,
		cfg:       cfg,
		onMessage: onMessage,
		log:       log.With().Str("adapter", a.Platform().String()).Logger(),
		status:    AdapterStatus{State: StateStarting, Since: time.Now()},
	}
}

func (s *supervisor) Status() AdapterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *supervisor) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != state {
		s.status.Since = time.Now()
	}
	s.status.State = state
	if err != nil {
		s.status.LastError = err.Error()
	}
}

func (s *supervisor) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff

	for {
		err := s.runOnce(ctx, bo)
		if ctx.Err() != nil {
			s.setState(StateStopped, nil)
			s.log.Info().Msg("Adapter stopped")
			return
		}
		if err == nil {
			err = errReceiveLoopExited
		}

		if bridge.IsPermanent(err) {
			s.setState(StateDegraded, err)
			s.log.Error().Err(err).Msg("Adapter failed permanently, not restarting")
			return
		}

		s.mu.Lock()
		s.status.Restarts++
		restarts := s.status.Restarts
		s.mu.Unlock()
		if s.cfg.MaxRestarts > 0 && restarts > s.cfg.MaxRestarts {
			s.setState(StateDegraded, err)
			s.log.Error().Err(err).Int("restarts", restarts-1).Msg("Adapter exceeded restart limit")
			return
		}

		delay := bo.NextBackOff()
		s.setState(StateReconnecting, err)
		s.log.Warn().Err(err).
			Int("restart", restarts).
			Dur("backoff", delay).
			Msg("Adapter disconnected, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateStopped, nil)
			return
		case <-timer.C:
		}
	}
}

// runOnce connects and runs the receive loop, converting a panic in either
// into an error.
func (s *supervisor) runOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		if err = s.adapter.Connect(ctx); err != nil {
			return
		}
		bo.Reset()
		s.setState(StateConnected, nil)
		s.log.Info().Msg("Adapter connected")
		err = s.adapter.ReceiveLoop(ctx, s.onMessage)
	})
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

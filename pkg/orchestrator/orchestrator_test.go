// Copyright 2024-2026 Aiku AI

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/tdm-bridge/pkg/bridge"
	"github.com/aiku/tdm-bridge/pkg/loopguard"
	"github.com/aiku/tdm-bridge/pkg/mailbox"
	"github.com/aiku/tdm-bridge/pkg/relay"
)

var fastBackoff = SupervisorConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

type fakeAdapter struct {
	platform bridge.Platform
	blocking bool

	mu          sync.Mutex
	connectErrs []error
	alwaysErr   error
	connects    int
	panicking   bool
	emit        []bridge.InboundMessage
}

func (f *fakeAdapter) Platform() bridge.Platform { return f.platform }
func (f *fakeAdapter) Blocking() bool            { return f.blocking }

func (f *fakeAdapter) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.alwaysErr != nil {
		return f.alwaysErr
	}
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeAdapter) ReceiveLoop(ctx context.Context, onMessage func(bridge.InboundMessage)) error {
	f.mu.Lock()
	if f.panicking {
		f.mu.Unlock()
		panic("receive loop exploded")
	}
	emit := f.emit
	f.emit = nil
	f.mu.Unlock()

	for _, m := range emit {
		onMessage(m)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeAdapter) Send(context.Context, bridge.OutboundMessage) error { return nil }

func (f *fakeAdapter) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type recordingHandler struct {
	mu      sync.Mutex
	bodies  []string
	delay   time.Duration
	started chan struct{}
	done    atomic.Int32
}

func (h *recordingHandler) Handle(_ context.Context, msg bridge.InboundMessage) relay.Report {
	if h.started != nil {
		select {
		case h.started <- struct{}{}:
		default:
		}
	}
	time.Sleep(h.delay)
	h.mu.Lock()
	h.bodies = append(h.bodies, msg.Body)
	h.mu.Unlock()
	h.done.Add(1)
	return relay.Report{MessageID: msg.ID}
}

func (h *recordingHandler) Bodies() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.bodies...)
}

func inbound(p bridge.Platform, body string) bridge.InboundMessage {
	return bridge.NewInboundMessage(bridge.Location{Platform: p, ID: "1"}, "alice", body)
}

func runSupervisor(t *testing.T, a bridge.Adapter, cfg SupervisorConfig) (*supervisor, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	s := newSupervisor(a, cfg, func(bridge.InboundMessage) {}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, cancel, done
}

func TestSupervisorReconnectsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	transient := &bridge.ConnectError{Platform: bridge.PlatformDiscord, Err: errors.New("gateway unreachable")}
	a := &fakeAdapter{platform: bridge.PlatformDiscord, connectErrs: []error{transient, transient}}
	s, cancel, done := runSupervisor(t, a, fastBackoff)

	require.Eventually(t, func() bool { return s.Status().State == StateConnected }, 2*time.Second, time.Millisecond)
	st := s.Status()
	assert.Equal(t, 2, st.Restarts)
	assert.Contains(t, st.LastError, "gateway unreachable")
	assert.Equal(t, 3, a.Connects())

	cancel()
	<-done
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestSupervisorPermanentFailureDegrades(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{
		platform:  bridge.PlatformTelegram,
		alwaysErr: &bridge.ConnectError{Platform: bridge.PlatformTelegram, Permanent: true, Err: errors.New("401 Unauthorized")},
	}
	s, _, done := runSupervisor(t, a, fastBackoff)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor kept running after a permanent failure")
	}
	st := s.Status()
	assert.Equal(t, StateDegraded, st.State)
	assert.Zero(t, st.Restarts)
	assert.Equal(t, 1, a.Connects())
}

func TestSupervisorRestartLimit(t *testing.T) {
	t.Parallel()
	cfg := fastBackoff
	cfg.MaxRestarts = 3
	a := &fakeAdapter{platform: bridge.PlatformMatrix, alwaysErr: errors.New("connection refused")}
	s, _, done := runSupervisor(t, a, cfg)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not give up")
	}
	assert.Equal(t, StateDegraded, s.Status().State)
	assert.Equal(t, 4, a.Connects())
}

func TestSupervisorRecoversPanics(t *testing.T) {
	t.Parallel()
	cfg := fastBackoff
	cfg.MaxRestarts = 1
	a := &fakeAdapter{platform: bridge.PlatformDiscord, panicking: true}
	s, _, done := runSupervisor(t, a, cfg)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	st := s.Status()
	assert.Equal(t, StateDegraded, st.State)
	assert.Contains(t, st.LastError, "receive loop exploded")
}

func newTestOrchestrator(t *testing.T, h Handler, guard *loopguard.Guard, adapters ...bridge.Adapter) *Orchestrator {
	t.Helper()
	o, err := New(Params{
		Handler:      h,
		Guard:        guard,
		Adapters:     adapters,
		Mailbox:      mailbox.New[bridge.InboundMessage](16),
		PollInterval: 5 * time.Millisecond,
		Supervisor:   fastBackoff,
		Version:      "test",
		Log:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return o
}

func startOrchestrator(o *Orchestrator) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	return cancel, done
}

func TestRunDispatchesBlockingAndCooperativeAdapters(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{}
	tg := &fakeAdapter{platform: bridge.PlatformTelegram, blocking: true, emit: []bridge.InboundMessage{
		inbound(bridge.PlatformTelegram, "t1"),
		inbound(bridge.PlatformTelegram, "t2"),
		inbound(bridge.PlatformTelegram, "t3"),
	}}
	dc := &fakeAdapter{platform: bridge.PlatformDiscord, emit: []bridge.InboundMessage{inbound(bridge.PlatformDiscord, "d1")}}
	o := newTestOrchestrator(t, h, loopguard.New(time.Minute), tg, dc)

	cancel, done := startOrchestrator(o)
	require.Eventually(t, func() bool { return len(h.Bodies()) == 4 }, 2*time.Second, time.Millisecond)

	var fromTelegram []string
	for _, b := range h.Bodies() {
		if b[0] == 't' {
			fromTelegram = append(fromTelegram, b)
		}
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, fromTelegram, "telegram order must be preserved")

	snap := o.Snapshot()
	assert.Equal(t, "ok", snap.Status)
	assert.Equal(t, "test", snap.Version)
	assert.Equal(t, StateConnected, snap.Adapters["telegram"].State)
	assert.Equal(t, StateConnected, snap.Adapters["discord"].State)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, o.Snapshot().Adapters["discord"].State)
}

func TestShutdownWaitsForInFlightMessages(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{delay: 100 * time.Millisecond, started: make(chan struct{}, 1)}
	dc := &fakeAdapter{platform: bridge.PlatformDiscord, emit: []bridge.InboundMessage{inbound(bridge.PlatformDiscord, "slow")}}
	o := newTestOrchestrator(t, h, loopguard.New(time.Minute), dc)

	cancel, done := startOrchestrator(o)
	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the handler")
	}
	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, h.done.Load(), "Run returned before the in-flight message finished")

	// After shutdown nothing new is accepted.
	o.dispatch(inbound(bridge.PlatformDiscord, "late"))
	assert.Equal(t, []string{"slow"}, h.Bodies())
}

func TestSnapshotReportsDegradedAdapters(t *testing.T) {
	t.Parallel()
	bad := &fakeAdapter{
		platform:  bridge.PlatformMatrix,
		alwaysErr: &bridge.ConnectError{Platform: bridge.PlatformMatrix, Permanent: true, Err: errors.New("M_UNKNOWN_TOKEN")},
	}
	good := &fakeAdapter{platform: bridge.PlatformDiscord}
	o := newTestOrchestrator(t, &recordingHandler{}, loopguard.New(time.Minute), bad, good)

	cancel, done := startOrchestrator(o)
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		snap := o.Snapshot()
		return snap.Adapters["matrix"].State == StateDegraded && snap.Adapters["discord"].State == StateConnected
	}, 2*time.Second, time.Millisecond)

	snap := o.Snapshot()
	assert.Equal(t, "degraded", snap.Status)
	assert.Equal(t, []string{"matrix"}, snap.Degraded())
	assert.Contains(t, snap.Adapters["matrix"].LastError, "M_UNKNOWN_TOKEN")
}

func TestSweepLoopEvictsExpiredEntries(t *testing.T) {
	t.Parallel()
	guard := loopguard.New(20 * time.Millisecond)
	guard.CheckAndRecord(bridge.PlatformTelegram, "alice", "hi")
	guard.CheckAndRecord(bridge.PlatformTelegram, "bob", "yo")

	o, err := New(Params{Handler: &recordingHandler{}, Guard: guard, SweepInterval: 10 * time.Millisecond, Log: zerolog.Nop()})
	require.NoError(t, err)

	cancel, done := startOrchestrator(o)
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, func() bool { return guard.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestForcedSweep(t *testing.T) {
	t.Parallel()
	guard := loopguard.New(10 * time.Millisecond)
	guard.CheckAndRecord(bridge.PlatformDiscord, "carol", "x")
	o, err := New(Params{Handler: &recordingHandler{}, Guard: guard, Log: zerolog.Nop()})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, o.Sweep())
	assert.Zero(t, o.Snapshot().LoopGuardEntries)
}

func TestNewRejectsDuplicateAdapters(t *testing.T) {
	t.Parallel()
	_, err := New(Params{
		Handler:  &recordingHandler{},
		Guard:    loopguard.New(time.Minute),
		Adapters: []bridge.Adapter{&fakeAdapter{platform: bridge.PlatformDiscord}, &fakeAdapter{platform: bridge.PlatformDiscord}},
		Log:      zerolog.Nop(),
	})
	assert.Error(t, err)

	_, err = New(Params{Log: zerolog.Nop()})
	assert.Error(t, err)
}

// Copyright 2024-2026 Aiku AI

package orchestrator

import (
	"sort"
	"time"
)

// State is the lifecycle state of one supervised adapter.
type State string

const (
	StateStarting     State = "starting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDegraded     State = "degraded"
	StateStopped      State = "stopped"
)

// AdapterStatus is a point-in-time view of one adapter.
type AdapterStatus struct {
	State     State     `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Snapshot is the bridge-wide status served by the admin API.
type Snapshot struct {
	Status           string                   `json:"status"`
	Version          string                   `json:"version"`
	Adapters         map[string]AdapterStatus `json:"adapters"`
	LoopGuardEntries int                      `json:"loop_guard_entries"`
	MailboxPending   int                      `json:"mailbox_pending"`
	MailboxDropped   uint64                   `json:"mailbox_dropped"`
}

// Degraded lists the adapters in the degraded state, sorted by name.
func (s Snapshot) Degraded() []string {
	var out []string
	for name, st := range s.Adapters {
		if st.State == StateDegraded {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

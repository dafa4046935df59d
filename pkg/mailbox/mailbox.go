// Copyright 2024-2026 Aiku AI

// Package mailbox hands items from a blocking producer goroutine to a
// polling consumer without either side waiting on the other.
package mailbox

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

const (
	DefaultCapacity     = 1024
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	ErrFull   = errors.New("mailbox full")
	ErrClosed = errors.New("mailbox closed")
)

// Mailbox is a bounded FIFO safe for any number of producers and consumers.
type Mailbox[T any] struct {
	items   chan T
	closed  atomic.Bool
	dropped atomic.Uint64
}

// New creates a mailbox holding at most capacity items.
func New[T any](capacity int) *Mailbox[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox[T]{items: make(chan T, capacity)}
}

// Put enqueues item without blocking. It returns ErrFull when the mailbox is
// at capacity (the item is dropped and counted) and ErrClosed after Close.
func (m *Mailbox[T]) Put(item T) error {
	if m.closed.Load() {
		return ErrClosed
	}
	select {
	case m.items <- item:
		return nil
	default:
		m.dropped.Add(1)
		return ErrFull
	}
}

// TakeAll removes and returns every item currently available, oldest first.
// It never blocks and returns nil when empty.
func (m *Mailbox[T]) TakeAll() []T {
	var out []T
	for {
		select {
		case item := <-m.items:
			out = append(out, item)
		default:
			return out
		}
	}
}

// Len returns the number of pending items.
func (m *Mailbox[T]) Len() int {
	return len(m.items)
}

// Dropped returns how many items Put rejected because the mailbox was full.
func (m *Mailbox[T]) Dropped() uint64 {
	return m.dropped.Load()
}

// Close makes further Puts fail. Pending items stay available to TakeAll.
func (m *Mailbox[T]) Close() {
	m.closed.Store(true)
}

// Drain wakes every interval, takes everything available and passes each
// item to handle in FIFO order. It returns when ctx is done; items still
// pending at that point are left in the mailbox.
func (m *Mailbox[T]) Drain(ctx context.Context, interval time.Duration, handle func(T)) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, item := range m.TakeAll() {
				handle(item)
			}
		}
	}
}

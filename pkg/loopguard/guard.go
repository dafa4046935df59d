// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package loopguard implements the time-windowed dedup set that stops the
// relay from re-bridging content it has already seen or sent.
//
// Every inbound message and every outbound send records a fingerprint of
// (origin platform, key, body). A fingerprint seen again within the window
// is a duplicate. The origin is always part of the fingerprint, so
// identical text from two platforms or two senders is never conflated.
package loopguard

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/aiku/tdm-bridge/pkg/bridge"
)

// DefaultWindow is the dedup window used when none is configured.
const DefaultWindow = 60 * time.Second

// Guard is safe for concurrent use. All state lives in the cache, which
// serializes writers behind a single mutex.
type Guard struct {
	window  time.Duration
	cache   *gocache.Cache
	evicted atomic.Int64
}

// New creates a guard with the given window. The cache runs no janitor;
// expiry is enforced inline on every check and by Sweep.
func New(window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	g := &Guard{
		window: window,
		cache:  gocache.New(window, gocache.NoExpiration),
	}
	g.cache.OnEvicted(func(string, any) {
		g.evicted.Add(1)
	})
	return g
}

// Window returns the dedup window.
func (g *Guard) Window() time.Duration {
	return g.window
}

// CheckAndRecord returns true if the fingerprint of (origin, key, body) is
// already present and unexpired, leaving state untouched. Otherwise it
// records the fingerprint and returns false. The check and the insert are
// one atomic step.
func (g *Guard) CheckAndRecord(origin bridge.Platform, key, body string) bool {
	return g.cache.Add(Fingerprint(origin, key, body), time.Now(), gocache.DefaultExpiration) != nil
}

// Contains reports whether the fingerprint is present without recording it.
func (g *Guard) Contains(origin bridge.Platform, key, body string) bool {
	_, found := g.cache.Get(Fingerprint(origin, key, body))
	return found
}

// Sweep removes every expired entry and returns how many were evicted.
func (g *Guard) Sweep() int {
	before := g.evicted.Load()
	g.cache.DeleteExpired()
	return int(g.evicted.Load() - before)
}

// Len returns the number of stored entries, including expired entries not
// yet swept.
func (g *Guard) Len() int {
	return g.cache.ItemCount()
}

// Fingerprint hashes (origin, key, body) to a fixed-size hex digest. Fields
// are NUL-separated so "a"+"bc" and "ab"+"c" differ.
func Fingerprint(origin bridge.Platform, key, body string) string {
	d := xxhash.New()
	_, _ = d.WriteString(origin.String())
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(key)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(body)
	return strconv.FormatUint(d.Sum64(), 16)
}

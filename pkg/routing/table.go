// Copyright 2024-2026 Aiku AI

// Package routing resolves a source location to the destinations a message
// must be relayed to.
package routing

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/aiku/tdm-bridge/pkg/bridge"
)

var ErrInvalidConfig = errors.New("invalid routing config")

type pair struct {
	from, to bridge.Platform
}

type sourceKey struct {
	id, thread string
}

// replyKey identifies "relaying from source into channel targetID on
// platform target".
type replyKey struct {
	source   string
	target   bridge.Platform
	targetID string
}

// Table is immutable after Build and safe for concurrent reads without
// synchronization.
type Table struct {
	routes   map[pair]map[sourceKey][]bridge.Location
	catchAll *CatchAll
	// replyThreads holds sorted, unique candidate threads per key.
	replyThreads map[replyKey][]string
	locations    map[bridge.Platform][]string
	sources      int
}

type edge struct {
	from, to bridge.Location
}

// Build validates cfg and constructs the table. Every problem found is
// reported in the returned error.
func Build(cfg Config) (*Table, error) {
	var errs []error
	var edges []edge

	for i, r := range cfg.Routes {
		if err := validateLocation(r.From); err != nil {
			errs = append(errs, fmt.Errorf("%w: route %d: from: %w", ErrInvalidConfig, i, err))
			continue
		}
		if len(r.To) == 0 {
			errs = append(errs, fmt.Errorf("%w: route %d: no destinations", ErrInvalidConfig, i))
			continue
		}
		for j, to := range r.To {
			if err := validateLocation(to); err != nil {
				errs = append(errs, fmt.Errorf("%w: route %d: to[%d]: %w", ErrInvalidConfig, i, j, err))
				continue
			}
			if to.Platform == r.From.Platform {
				errs = append(errs, fmt.Errorf("%w: route %d: to[%d]: %s routes to its own platform", ErrInvalidConfig, i, j, r.From))
				continue
			}
			edges = append(edges, edge{from: r.From, to: to})
			if r.Mirror {
				edges = append(edges, edge{from: to, to: r.From})
			}
		}
	}

	if ca := cfg.CatchAll; ca != nil {
		switch {
		case !ca.Origin.Valid():
			errs = append(errs, fmt.Errorf("%w: catch_all: origin: %w", ErrInvalidConfig, bridge.ErrUnknownPlatform))
		default:
			if err := validateLocation(ca.To); err != nil {
				errs = append(errs, fmt.Errorf("%w: catch_all: to: %w", ErrInvalidConfig, err))
			} else if ca.To.Platform == ca.Origin {
				errs = append(errs, fmt.Errorf("%w: catch_all: %s routes to its own platform", ErrInvalidConfig, ca.Origin))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	t := &Table{
		routes:       make(map[pair]map[sourceKey][]bridge.Location),
		replyThreads: make(map[replyKey][]string),
		locations:    make(map[bridge.Platform][]string),
	}
	if cfg.CatchAll != nil {
		ca := *cfg.CatchAll
		t.catchAll = &ca
		t.addLocation(ca.To)
	}

	for _, e := range edges {
		t.addEdge(e)
	}
	for k, threads := range t.replyThreads {
		sort.Strings(threads)
		t.replyThreads[k] = slices.Compact(threads)
	}
	for p, ids := range t.locations {
		sort.Strings(ids)
		t.locations[p] = slices.Compact(ids)
	}

	if err := t.checkReplyAmbiguity(edges); err != nil {
		return nil, err
	}
	return t, nil
}

func validateLocation(l bridge.Location) error {
	switch {
	case !l.Platform.Valid():
		return bridge.ErrUnknownPlatform
	case l.ID == "":
		return fmt.Errorf("%s location has an empty id", l.Platform)
	case l.Thread != "" && !l.Platform.SupportsThreads():
		return fmt.Errorf("%s does not support threads (got thread %q)", l.Platform, l.Thread)
	}
	return nil
}

func (t *Table) addEdge(e edge) {
	p := pair{from: e.from.Platform, to: e.to.Platform}
	bySource, ok := t.routes[p]
	if !ok {
		bySource = make(map[sourceKey][]bridge.Location)
		t.routes[p] = bySource
	}
	sk := sourceKey{id: e.from.ID, thread: e.from.Thread}
	dests, exists := bySource[sk]
	if !exists {
		t.sources++
	}
	if !slices.Contains(dests, e.to) {
		bySource[sk] = append(dests, e.to)
	}

	if e.from.Platform.SupportsThreads() && e.from.Thread != "" {
		rk := replyKey{source: e.to.Key(), target: e.from.Platform, targetID: e.from.ID}
		t.replyThreads[rk] = append(t.replyThreads[rk], e.from.Thread)
	}
	t.addLocation(e.from)
	t.addLocation(e.to)
}

func (t *Table) addLocation(l bridge.Location) {
	t.locations[l.Platform] = append(t.locations[l.Platform], l.ID)
}

// checkReplyAmbiguity rejects configs where a declared route into a
// thread-bearing channel would have to pick between several threads.
func (t *Table) checkReplyAmbiguity(edges []edge) error {
	var errs []error
	seen := make(map[replyKey]bool)
	for _, e := range edges {
		if !e.to.Platform.SupportsThreads() || e.to.Thread != "" {
			continue
		}
		threads, rk := t.replyCandidates(e.from, e.to)
		if len(threads) > 1 && !seen[rk] {
			seen[rk] = true
			errs = append(errs, fmt.Errorf("%w: ambiguous reply thread for %s -> %s: threads %v",
				ErrInvalidConfig, e.from, e.to, threads))
		}
	}
	return errors.Join(errs...)
}

func (t *Table) replyCandidates(source, target bridge.Location) ([]string, replyKey) {
	rk := replyKey{source: source.Key(), target: target.Platform, targetID: target.ID}
	if threads, ok := t.replyThreads[rk]; ok || source.Thread == "" {
		return threads, rk
	}
	rk.source = source.Channel().Key()
	return t.replyThreads[rk], rk
}

// ResolveTargets returns every destination for a message from source, in
// platform order. Per target platform it tries the exact thread, then the
// channel default, then the catch-all if origin is the catch-all's origin.
func (t *Table) ResolveTargets(origin bridge.Platform, source bridge.Location) []bridge.Location {
	var out []bridge.Location
	for _, target := range bridge.Platforms {
		if target == origin {
			continue
		}
		for _, dest := range t.resolvePair(origin, target, source) {
			if !slices.Contains(out, dest) {
				out = append(out, dest)
			}
		}
	}
	return out
}

func (t *Table) resolvePair(origin, target bridge.Platform, source bridge.Location) []bridge.Location {
	bySource := t.routes[pair{from: origin, to: target}]
	if dests, ok := bySource[sourceKey{id: source.ID, thread: source.Thread}]; ok {
		return dests
	}
	if source.Thread != "" {
		if dests, ok := bySource[sourceKey{id: source.ID}]; ok {
			return dests
		}
	}
	if t.catchAll != nil && t.catchAll.Origin == origin && t.catchAll.To.Platform == target {
		return []bridge.Location{t.catchAll.To}
	}
	return nil
}

// ResolveReplyThread finds the thread of target's channel whose route maps
// to source, so a reply relayed from source lands in that thread. It only
// applies to thread-bearing targets. Several candidates resolve to the
// smallest thread id; Build rejects that case for every declared route.
func (t *Table) ResolveReplyThread(source, target bridge.Location) (string, bool) {
	if !target.Platform.SupportsThreads() {
		return "", false
	}
	threads, _ := t.replyCandidates(source, target)
	if len(threads) == 0 {
		return "", false
	}
	return threads[0], true
}

// Routes returns the number of distinct (origin pair, source) entries.
func (t *Table) Routes() int {
	return t.sources
}

// HasCatchAll reports whether a catch-all destination is configured.
func (t *Table) HasCatchAll() bool {
	return t.catchAll != nil
}

// IDs returns the sorted, distinct location ids the table references on p.
func (t *Table) IDs(p bridge.Platform) []string {
	return slices.Clone(t.locations[p])
}

// Platforms returns the platforms the table references.
func (t *Table) Platforms() []bridge.Platform {
	var out []bridge.Platform
	for _, p := range bridge.Platforms {
		if len(t.locations[p]) > 0 {
			out = append(out, p)
		}
	}
	return out
}

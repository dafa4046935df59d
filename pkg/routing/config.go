// Copyright 2024-2026 Aiku AI

package routing

import "github.com/aiku/tdm-bridge/pkg/bridge"

// Config is the static routing configuration.
type Config struct {
	Routes []Route `yaml:"routes" json:"routes"`
	// CatchAll receives every message from its origin platform whose source
	// has no mapping toward the catch-all's platform. Other origins have no
	// catch-all.
	CatchAll *CatchAll `yaml:"catch_all,omitempty" json:"catch_all,omitempty"`
}

// Route maps one source location to one or more destinations.
type Route struct {
	From bridge.Location   `yaml:"from" json:"from"`
	To   []bridge.Location `yaml:"to" json:"to"`
	// Mirror also installs every destination -> From route. Routing is
	// otherwise one-directional; reverse paths must be declared.
	Mirror bool `yaml:"mirror,omitempty" json:"mirror,omitempty"`
}

// CatchAll is the process-wide default destination for one origin platform.
type CatchAll struct {
	Origin bridge.Platform `yaml:"origin" json:"origin"`
	To     bridge.Location `yaml:"to" json:"to"`
}

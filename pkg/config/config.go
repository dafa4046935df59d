// Copyright 2024-2026 Aiku AI

// Package config loads and validates the bridge configuration: a YAML file
// with secrets and deployment knobs overridable from TDM_* environment
// variables.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/tdm-bridge/pkg/bridge"
	"github.com/aiku/tdm-bridge/pkg/loopguard"
	"github.com/aiku/tdm-bridge/pkg/mailbox"
	"github.com/aiku/tdm-bridge/pkg/orchestrator"
	"github.com/aiku/tdm-bridge/pkg/relay"
	"github.com/aiku/tdm-bridge/pkg/routing"
	"github.com/aiku/tdm-bridge/pkg/telemetry"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DefaultPath        = "config.yaml"
	DefaultPollTimeout = 30 * time.Second
	EnvPrefix          = "TDM_"
)

// ErrInvalid wraps every validation problem.
var ErrInvalid = errors.New("invalid config")

// Config is the whole bridge configuration.
type Config struct {
	Relay      RelayConfig                   `yaml:"relay"`
	Telegram   TelegramConfig                `yaml:"telegram"`
	Discord    DiscordConfig                 `yaml:"discord"`
	Matrix     MatrixConfig                  `yaml:"matrix"`
	Routing    routing.Config                `yaml:"routing"`
	Supervisor orchestrator.SupervisorConfig `yaml:"supervisor"`
	Admin      AdminConfig                   `yaml:"admin"`
	Tracing    telemetry.Config              `yaml:"tracing"`
	Logging    zeroconfig.Config             `yaml:"logging"`

	table *routing.Table `yaml:"-"`
}

// RelayConfig tunes the relay core.
type RelayConfig struct {
	// DedupWindow is how long a fingerprint suppresses repeats.
	DedupWindow time.Duration `yaml:"dedup_window"`
	// SweepInterval defaults to half the dedup window.
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	MailboxPollInterval time.Duration `yaml:"mailbox_poll_interval"`
	MailboxCapacity     int           `yaml:"mailbox_capacity"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
}

type TelegramConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Token       string        `yaml:"token"`
	APIServer   string        `yaml:"api_server"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// Webhooks maps channel ids to webhook URLs. Channels without one get
	// messages posted as the bot.
	Webhooks map[string]string `yaml:"webhooks"`
}

type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	// Rooms to join on connect, in addition to every routed room.
	Rooms []string `yaml:"rooms"`
}

// AdminConfig configures the admin HTTP API. An empty Addr disables it.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// envOverrides are the settings that can come from the environment. Set
// variables win over the file.
type envOverrides struct {
	TelegramToken     string `env:"TELEGRAM_TOKEN"`
	TelegramAPIServer string `env:"TELEGRAM_API_SERVER"`
	DiscordToken      string `env:"DISCORD_TOKEN"`
	MatrixHomeserver  string `env:"MATRIX_HOMESERVER"`
	MatrixUserID      string `env:"MATRIX_USER_ID"`
	MatrixAccessToken string `env:"MATRIX_ACCESS_TOKEN"`
	AdminAddr         string `env:"ADMIN_ADDR"`
}

// Default returns a config with every default filled in and no platform
// enabled.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			DedupWindow:         loopguard.DefaultWindow,
			MailboxPollInterval: mailbox.DefaultPollInterval,
			MailboxCapacity:     mailbox.DefaultCapacity,
			SendTimeout:         relay.DefaultSendTimeout,
		},
		Telegram:   TelegramConfig{PollTimeout: DefaultPollTimeout},
		Supervisor: orchestrator.DefaultSupervisorConfig(),
		Tracing:    telemetry.DefaultConfig(),
		Logging: zeroconfig.Config{
			MinLevel: ptr.Ptr(zerolog.InfoLevel),
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStdout,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		},
	}
}

// Load reads the file at path, applies environment overrides from the
// process environment and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f, nil)
}

// Parse decodes YAML from r on top of Default, applies environment
// overrides and validates. A nil environ means the process environment.
func Parse(r io.Reader, environ map[string]string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.ApplyEnv(environ); err != nil {
		return nil, err
	}
	cfg.PostProcess()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from TDM_* variables. A nil environ means
// the process environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	var ov envOverrides
	if err := env.ParseWithOptions(&ov, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Telegram.Token, ov.TelegramToken)
	set(&c.Telegram.APIServer, ov.TelegramAPIServer)
	set(&c.Discord.Token, ov.DiscordToken)
	set(&c.Matrix.Homeserver, ov.MatrixHomeserver)
	set(&c.Matrix.UserID, ov.MatrixUserID)
	set(&c.Matrix.AccessToken, ov.MatrixAccessToken)
	set(&c.Admin.Addr, ov.AdminAddr)
	return nil
}

// PostProcess fills settings derived from others.
func (c *Config) PostProcess() {
	if c.Relay.SweepInterval == 0 && c.Relay.DedupWindow > 0 {
		c.Relay.SweepInterval = c.Relay.DedupWindow / 2
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = telemetry.DefaultServiceName
	}
}

// Validate checks the config and builds the routing table. Every problem is
// reported, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if len(c.EnabledPlatforms()) == 0 {
		bad("no platform is enabled")
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			bad("telegram.token is required")
		}
		if c.Telegram.PollTimeout <= 0 {
			bad("telegram.poll_timeout must be positive")
		}
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		bad("discord.token is required")
	}
	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			bad("matrix.homeserver is required")
		}
		if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
			bad("matrix.user_id must be a full MXID like @relay:example.org")
		}
		if c.Matrix.AccessToken == "" {
			bad("matrix.access_token is required")
		}
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"relay.dedup_window", c.Relay.DedupWindow},
		{"relay.sweep_interval", c.Relay.SweepInterval},
		{"relay.mailbox_poll_interval", c.Relay.MailboxPollInterval},
		{"relay.send_timeout", c.Relay.SendTimeout},
		{"supervisor.initial_backoff", c.Supervisor.InitialBackoff},
		{"supervisor.max_backoff", c.Supervisor.MaxBackoff},
	} {
		if d.value <= 0 {
			bad("%s must be positive", d.name)
		}
	}
	if c.Relay.MailboxCapacity <= 0 {
		bad("relay.mailbox_capacity must be positive")
	}
	if c.Supervisor.MaxRestarts < 0 {
		bad("supervisor.max_restarts must not be negative")
	}
	if c.Supervisor.MaxBackoff > 0 && c.Supervisor.MaxBackoff < c.Supervisor.InitialBackoff {
		bad("supervisor.max_backoff must not be below initial_backoff")
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		bad("tracing.exporter %q is not one of none, stdout, otlp", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		bad("tracing.sample_rate must be within [0, 1]")
	}

	for _, l := range c.routedLocations() {
		if l.Platform.Valid() && !c.Enabled(l.Platform) {
			bad("routing references %s, but %s is not enabled", l.Key(), l.Platform)
		}
	}
	if c.Routing.CatchAll != nil && c.Routing.CatchAll.Origin.Valid() && !c.Enabled(c.Routing.CatchAll.Origin) {
		bad("routing.catch_all.origin %s is not enabled", c.Routing.CatchAll.Origin)
	}

	table, err := routing.Build(c.Routing)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.table = table
	return nil
}

func (c *Config) routedLocations() []bridge.Location {
	var out []bridge.Location
	for _, r := range c.Routing.Routes {
		out = append(out, r.From)
		out = append(out, r.To...)
	}
	if c.Routing.CatchAll != nil {
		out = append(out, c.Routing.CatchAll.To)
	}
	return out
}

// Enabled reports whether platform p is switched on.
func (c *Config) Enabled(p bridge.Platform) bool {
	switch p {
	case bridge.PlatformTelegram:
		return c.Telegram.Enabled
	case bridge.PlatformDiscord:
		return c.Discord.Enabled
	case bridge.PlatformMatrix:
		return c.Matrix.Enabled
	}
	return false
}

// EnabledPlatforms lists the enabled platforms in canonical order.
func (c *Config) EnabledPlatforms() []bridge.Platform {
	var out []bridge.Platform
	for _, p := range bridge.Platforms {
		if c.Enabled(p) {
			out = append(out, p)
		}
	}
	return out
}

// Table returns the routing table built by Validate, or nil before a
// successful Validate.
func (c *Config) Table() *routing.Table {
	return c.table
}

// MatrixRooms returns the configured rooms plus every routed Matrix room,
// without duplicates.
func (c *Config) MatrixRooms() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(room string) {
		if _, ok := seen[room]; ok || room == "" {
			return
		}
		seen[room] = struct{}{}
		out = append(out, room)
	}
	for _, r := range c.Matrix.Rooms {
		add(r)
	}
	if c.table != nil {
		for _, r := range c.table.IDs(bridge.PlatformMatrix) {
			add(r)
		}
	}
	return out
}

// Logger compiles the logging section. debug forces the debug level.
func (c *Config) Logger(debug bool) (*zerolog.Logger, error) {
	logCfg := c.Logging
	if debug {
		logCfg.MinLevel = ptr.Ptr(zerolog.DebugLevel)
	}
	log, err := logCfg.Compile()
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	return log, nil
}

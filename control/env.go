// control/env.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Environment-backed daemon configuration.

package control

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/client"
	"github.com/momentics/wsfork/internal/session"
)

// Environment variable names.
const (
	EnvListenAddr       = "WSFORK_LISTEN_ADDR"
	EnvBufferDuration   = "WSFORK_BUFFER_DURATION"
	EnvControlCapacity  = "WSFORK_CONTROL_CAPACITY"
	EnvTeardownTimeout  = "WSFORK_TEARDOWN_TIMEOUT"
	EnvGraceWindow      = "WSFORK_GRACE_WINDOW"
	EnvDialTimeout      = "WSFORK_DIAL_TIMEOUT"
	EnvHandshakeTimeout = "WSFORK_HANDSHAKE_TIMEOUT"
	EnvWriteTimeout     = "WSFORK_WRITE_TIMEOUT"
	EnvCloseTimeout     = "WSFORK_CLOSE_TIMEOUT"
	EnvMaxSessions      = "WSFORK_MAX_SESSIONS"
	EnvTLSInsecure      = "WSFORK_TLS_INSECURE"
	EnvLogLevel         = "WSFORK_LOG_LEVEL"
	EnvLogFormat        = "WSFORK_LOG_FORMAT"
)

// Config is the daemon configuration.
type Config struct {
	ListenAddr       string        `json:"listen_addr"`
	BufferDuration   time.Duration `json:"buffer_duration"`
	ControlCapacity  int           `json:"control_capacity"`
	TeardownTimeout  time.Duration `json:"teardown_timeout"`
	GraceWindow      time.Duration `json:"grace_window"`
	DialTimeout      time.Duration `json:"dial_timeout"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	CloseTimeout     time.Duration `json:"close_timeout"`
	MaxSessions      int           `json:"max_sessions"`
	TLSInsecure      bool          `json:"tls_insecure"`
	LogLevel         string        `json:"log_level"`
	LogFormat        string        `json:"log_format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":8086",
		BufferDuration:   100 * time.Millisecond,
		ControlCapacity:  32,
		TeardownTimeout:  5 * time.Second,
		GraceWindow:      5 * time.Second,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     2 * time.Second,
		CloseTimeout:     time.Second,
		MaxSessions:      1024,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// LoadConfig reads a .env file if one exists, then the environment.
// Variables already set in the process environment win.
func LoadConfig(files ...string) (Config, error) {
	return loadWith(godotenv.Load, files)
}

// ReloadConfig is LoadConfig with .env values overriding the process
// environment, so edited files take effect on reload.
func ReloadConfig(files ...string) (Config, error) {
	return loadWith(godotenv.Overload, files)
}

func loadWith(load func(...string) error, files []string) (Config, error) {
	if err := load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, api.WrapError(api.ErrCodeConfiguration, "load env file", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, falling back to defaults.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	p := envParser{lookup: lookup}

	p.str(EnvListenAddr, &cfg.ListenAddr)
	p.duration(EnvBufferDuration, &cfg.BufferDuration)
	p.integer(EnvControlCapacity, &cfg.ControlCapacity)
	p.duration(EnvTeardownTimeout, &cfg.TeardownTimeout)
	p.duration(EnvGraceWindow, &cfg.GraceWindow)
	p.duration(EnvDialTimeout, &cfg.DialTimeout)
	p.duration(EnvHandshakeTimeout, &cfg.HandshakeTimeout)
	p.duration(EnvWriteTimeout, &cfg.WriteTimeout)
	p.duration(EnvCloseTimeout, &cfg.CloseTimeout)
	p.integer(EnvMaxSessions, &cfg.MaxSessions)
	p.boolean(EnvTLSInsecure, &cfg.TLSInsecure)
	p.str(EnvLogLevel, &cfg.LogLevel)
	p.str(EnvLogFormat, &cfg.LogFormat)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, api.WrapError(api.ErrCodeConfiguration, "invalid environment", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		EnvBufferDuration:   c.BufferDuration,
		EnvTeardownTimeout:  c.TeardownTimeout,
		EnvDialTimeout:      c.DialTimeout,
		EnvHandshakeTimeout: c.HandshakeTimeout,
		EnvWriteTimeout:     c.WriteTimeout,
		EnvCloseTimeout:     c.CloseTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.GraceWindow < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", EnvGraceWindow))
	}
	if c.ControlCapacity < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1", EnvControlCapacity))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", EnvMaxSessions))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", EnvLogLevel, err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("%s must be text or json, got %q", EnvLogFormat, c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return api.WrapError(api.ErrCodeConfiguration, "invalid configuration", err)
	}
	return nil
}

// SessionConfig maps the daemon settings onto the registry config.
func (c Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.BufferDuration = c.BufferDuration
	sc.ControlCapacity = c.ControlCapacity
	sc.TeardownTimeout = c.TeardownTimeout
	sc.GraceWindow = c.GraceWindow
	sc.MaxSessions = c.MaxSessions
	sc.Client = client.Config{
		DialTimeout:      c.DialTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		CloseTimeout:     c.CloseTimeout,
	}
	if c.TLSInsecure {
		sc.Client.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test peers
	}
	return sc
}

type envParser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *envParser) str(name string, dst *string) {
	if v, ok := p.lookup(name); ok && v != "" {
		*dst = v
	}
}

func (p *envParser) duration(name string, dst *time.Duration) {
	v, ok := p.lookup(name)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = d
}

func (p *envParser) integer(name string, dst *int) {
	v, ok := p.lookup(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}

func (p *envParser) boolean(name string, dst *bool) {
	v, ok := p.lookup(name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = b
}

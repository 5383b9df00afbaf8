// File: client/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds every blocking step of a connection.
type Config struct {
	DialTimeout      time.Duration // TCP connect
	HandshakeTimeout time.Duration // TLS + HTTP Upgrade
	WriteTimeout     time.Duration // per outbound frame
	CloseTimeout     time.Duration // wait for the peer's close reply
	TLSConfig        *tls.Config   // used for wss; nil means defaults
	Logger           *logrus.Entry
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     2 * time.Second,
		CloseTimeout:     time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

// State is the connection lifecycle position. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosingLocal
	StateClosingRemote
	StateClosedNormal
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosingLocal:
		return "closing_local"
	case StateClosingRemote:
		return "closing_remote"
	case StateClosedNormal:
		return "closed"
	case StateClosedError:
		return "closed_error"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosedNormal || s == StateClosedError
}

// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/momentics/wsfork/control"
	"github.com/momentics/wsfork/internal/session"
	"github.com/momentics/wsfork/mediatap"
)

// Config holds HTTP control surface parameters.
type Config struct {
	ListenAddr      string        // TCP bind address, e.g. ":8086"
	ShutdownTimeout time.Duration // graceful shutdown timeout
	MediaRoot       string        // directory MP3 call sources are read from; empty disables them
	DefaultRate     int           // sample rate for generated call sources
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8086",
		ShutdownTimeout: 10 * time.Second,
		DefaultRate:     8000,
	}
}

// Calls is the call-management side of a simulated media engine.
type Calls interface {
	CreateCall(id string, src mediatap.Source, sampleRate int) (string, error)
	HangUp(id string) error
	Calls() []string
}

// Server exposes the session registry over HTTP.
type Server struct {
	cfg      *Config
	echo     *echo.Echo
	registry *session.Registry
	calls    Calls
	metrics  *control.MetricsRegistry
	probes   *control.DebugProbes
	log      *logrus.Entry
}

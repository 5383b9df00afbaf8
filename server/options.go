// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/wsfork/control"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithCalls enables the /v1/calls routes backed by calls.
func WithCalls(calls Calls) ServerOption {
	return func(s *Server) { s.calls = calls }
}

// WithMetrics exposes mr on /v1/metrics.
func WithMetrics(mr *control.MetricsRegistry) ServerOption {
	return func(s *Server) { s.metrics = mr }
}

// WithProbes exposes dp on /v1/debug.
func WithProbes(dp *control.DebugProbes) ServerOption {
	return func(s *Server) { s.probes = dp }
}

// WithLogger sets the request and server logger.
func WithLogger(log *logrus.Entry) ServerOption {
	return func(s *Server) { s.log = log }
}

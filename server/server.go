// File: server/server.go
// Package server implements the HTTP control surface for forwarding
// sessions and simulated calls.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/internal/session"
)

// NewServer builds the Server and registers its routes.
func NewServer(cfg *Config, registry *session.Registry, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DefaultRate <= 0 {
		cfg.DefaultRate = DefaultConfig().DefaultRate
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.WithField("component", "http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Debug("request")
			return nil
		},
	}))
	s.echo = e
	s.register(e)
	return s
}

func (s *Server) register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	v1 := e.Group("/v1")
	v1.GET("/sessions", s.listSessions)
	v1.POST("/sessions/:session/forks", s.startFork)
	v1.GET("/sessions/:session/forks/:fork", s.forkInfo)
	v1.DELETE("/sessions/:session/forks/:fork", s.stopFork)
	v1.POST("/sessions/:session/forks/:fork/pause", s.pauseFork)
	v1.POST("/sessions/:session/forks/:fork/resume", s.resumeFork)
	v1.POST("/sessions/:session/forks/:fork/text", s.sendText)
	v1.GET("/metrics", s.metricsSnapshot)
	v1.GET("/debug", s.debugState)

	if s.calls != nil {
		v1.GET("/calls", s.listCalls)
		v1.POST("/calls", s.createCall)
		v1.DELETE("/calls/:call", s.hangUp)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	switch api.CodeOf(err) {
	case api.ErrCodeOK:
		return http.StatusOK
	case api.ErrCodeNotFound:
		return http.StatusNotFound
	case api.ErrCodeAlreadyExists:
		return http.StatusConflict
	case api.ErrCodeConfiguration:
		return http.StatusBadRequest
	case api.ErrCodeResourceExhausted, api.ErrCodeBackpressure:
		return http.StatusServiceUnavailable
	case api.ErrCodeChannelClosed:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := StatusOf(err)
	body := errorBody{Error: err.Error(), Code: api.CodeOf(err).String()}

	var (
		ae *api.Error
		he *echo.HTTPError
	)
	if !errors.As(err, &ae) && errors.As(err, &he) {
		status = he.Code
		body.Code = ""
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		} else {
			body.Error = http.StatusText(status)
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("uri", c.Request().RequestURI).Warn("request failed")
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, body)
	}
	if werr != nil {
		s.log.WithError(werr).Debug("error response not written")
	}
}

func ok(c echo.Context, status int, fields map[string]any) error {
	out := map[string]any{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	return c.JSON(status, out)
}

func (s *Server) uptimeFields() map[string]any {
	return map[string]any{
		"sessions":   s.registry.Len(),
		"tombstones": s.registry.Tombstones(),
		"time":       time.Now().UTC(),
	}
}

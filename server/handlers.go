// File: server/handlers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/internal/session"
	"github.com/momentics/wsfork/mediatap"
)

type startBody struct {
	ForkKey     string            `json:"fork_key"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Mix         string            `json:"mix"`
	StartPaused bool              `json:"start_paused"`
}

type textBody struct {
	Text string `json:"text"`
}

type callBody struct {
	CallID     string `json:"call_id"`
	Source     string `json:"source"`
	File       string `json:"file"`
	SampleRate int    `json:"sample_rate"`
	Loop       bool   `json:"loop"`
}

func badRequest(err error) error {
	return api.WrapError(api.ErrCodeConfiguration, "malformed request body", err)
}

func (s *Server) startFork(c echo.Context) error {
	var body startBody
	if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
		return badRequest(err)
	}
	mix, err := api.ParseChannelMix(body.Mix)
	if err != nil {
		return err
	}
	req := session.StartRequest{
		Session:     c.Param("session"),
		Fork:        body.ForkKey,
		URL:         body.URL,
		Headers:     body.Headers,
		Mix:         mix,
		StartPaused: body.StartPaused,
	}
	if err := s.registry.Start(req); err != nil {
		return err
	}
	key := api.NewKey(req.Session, req.Fork)
	return ok(c, http.StatusCreated, map[string]any{"session": key.Session, "fork": key.Fork})
}

func (s *Server) forkInfo(c echo.Context) error {
	info, err := s.registry.Info(c.Param("session"), c.Param("fork"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, map[string]any{"fork": info})
}

func (s *Server) listSessions(c echo.Context) error {
	return ok(c, http.StatusOK, map[string]any{"forks": s.registry.List()})
}

func (s *Server) stopFork(c echo.Context) error {
	if err := s.registry.Stop(c.Param("session"), c.Param("fork")); err != nil {
		return err
	}
	return ok(c, http.StatusOK, nil)
}

func (s *Server) pauseFork(c echo.Context) error {
	if err := s.registry.Pause(c.Param("session"), c.Param("fork")); err != nil {
		return err
	}
	return ok(c, http.StatusOK, nil)
}

func (s *Server) resumeFork(c echo.Context) error {
	if err := s.registry.Resume(c.Param("session"), c.Param("fork")); err != nil {
		return err
	}
	return ok(c, http.StatusOK, nil)
}

func (s *Server) sendText(c echo.Context) error {
	var body textBody
	if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
		return badRequest(err)
	}
	if err := s.registry.SendText(c.Param("session"), c.Param("fork"), body.Text); err != nil {
		return err
	}
	return ok(c, http.StatusAccepted, nil)
}

func (s *Server) metricsSnapshot(c echo.Context) error {
	out := s.uptimeFields()
	if s.metrics != nil {
		out["counters"] = s.metrics.GetSnapshot()
	}
	return ok(c, http.StatusOK, out)
}

func (s *Server) debugState(c echo.Context) error {
	if s.probes == nil {
		return echo.NewHTTPError(http.StatusNotFound, "debug probes disabled")
	}
	return ok(c, http.StatusOK, map[string]any{"probes": s.probes.DumpState()})
}

func (s *Server) listCalls(c echo.Context) error {
	return ok(c, http.StatusOK, map[string]any{"calls": s.calls.Calls()})
}

func (s *Server) createCall(c echo.Context) error {
	var body callBody
	if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
		return badRequest(err)
	}
	rate := body.SampleRate
	if rate <= 0 {
		rate = s.cfg.DefaultRate
	}

	var src mediatap.Source
	switch strings.ToLower(body.Source) {
	case "", "tone":
		src = mediatap.NewToneSource(rate)
	case "silence":
		src = mediatap.SilenceSource{}
	case "mp3":
		mp3, err := s.openMedia(body.File)
		if err != nil {
			return err
		}
		mp3.Loop = body.Loop
		rate = mp3.SampleRate()
		src = mp3
	default:
		return api.NewError(api.ErrCodeConfiguration, "unknown call source").WithContext("source", body.Source)
	}

	id, err := s.calls.CreateCall(body.CallID, src, rate)
	if err != nil {
		_ = src.Close()
		return err
	}
	return ok(c, http.StatusCreated, map[string]any{"call_id": id, "sample_rate": rate})
}

func (s *Server) openMedia(name string) (*mediatap.MP3Source, error) {
	if s.cfg.MediaRoot == "" {
		return nil, api.NewError(api.ErrCodeConfiguration, "mp3 sources are disabled")
	}
	if name == "" {
		return nil, api.NewError(api.ErrCodeConfiguration, "file is required for mp3 sources")
	}
	// Clean against a rooted path so ".." cannot leave MediaRoot.
	path := filepath.Join(s.cfg.MediaRoot, filepath.Clean("/"+name))
	src, err := mediatap.OpenMP3(path)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeConfiguration, "open mp3 source", err)
	}
	return src, nil
}

func (s *Server) hangUp(c echo.Context) error {
	if err := s.calls.HangUp(c.Param("call")); err != nil {
		return err
	}
	return ok(c, http.StatusOK, nil)
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/control"
	"github.com/momentics/wsfork/core/concurrency"
	"github.com/momentics/wsfork/internal/session"
	"github.com/momentics/wsfork/mediatap"
)

func newPeer(t *testing.T) (string, chan string) {
	t.Helper()
	text := make(chan string, 8)
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage {
				text <- string(data)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), text
}

type harness struct {
	srv     *Server
	sim     *mediatap.Simulator
	reg     *session.Registry
	rec     *api.Recorder
	metrics *control.MetricsRegistry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sim:     mediatap.NewSimulator(20*time.Millisecond, nil),
		rec:     api.NewRecorder(64),
		metrics: control.NewMetricsRegistry(),
	}
	exec := concurrency.NewExecutor(0, nil)
	cfg := session.DefaultConfig()
	cfg.GraceWindow = 20 * time.Millisecond
	cfg.MaxSessions = 2
	cfg.Client.CloseTimeout = 100 * time.Millisecond
	h.reg = session.NewRegistry(cfg, h.sim, exec, session.WithSink(h.rec), session.WithMetrics(h.metrics))

	probes := control.NewDebugProbes()
	probes.RegisterProbe("sessions", func() any { return h.reg.Len() })

	h.srv = NewServer(DefaultConfig(), h.reg,
		WithCalls(h.sim), WithMetrics(h.metrics), WithProbes(probes))
	t.Cleanup(func() {
		h.reg.CancelAll()
		h.sim.Close()
		_ = exec.Close(time.Second)
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rr, req)
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		return rr.Code, map[string]any{"raw": rr.Body.String()}
	}
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return rr.Code, out
}

func (h *harness) waitEvent(t *testing.T, typ api.EventType) api.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.rec.C():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["raw"])
}

func TestForkLifecycle(t *testing.T) {
	url, text := newPeer(t)
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/v1/calls", `{"call_id":"c1","source":"tone"}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "c1", body["call_id"])

	code, body = h.do(t, http.MethodPost, "/v1/sessions/c1/forks",
		fmt.Sprintf(`{"url":%q,"mix":"stereo","headers":{"X-Trace":"1"}}`, url))
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, api.DefaultForkKey, body["fork"])
	h.waitEvent(t, api.EventConnected)

	code, body = h.do(t, http.MethodPost, "/v1/sessions/c1/forks", fmt.Sprintf(`{"url":%q}`, url))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["ok"])

	code, body = h.do(t, http.MethodGet, "/v1/sessions/c1/forks/wsfork", "")
	require.Equal(t, http.StatusOK, code)
	fork := body["fork"].(map[string]any)
	assert.Equal(t, "stereo", fork["mix"])

	code, _ = h.do(t, http.MethodPost, "/v1/sessions/c1/forks/wsfork/text", `{"text":"hello"}`)
	assert.Equal(t, http.StatusAccepted, code)
	select {
	case got := <-text:
		assert.Equal(t, "hello", got)
	case <-time.After(3 * time.Second):
		t.Fatal("text not forwarded")
	}

	code, _ = h.do(t, http.MethodPost, "/v1/sessions/c1/forks/wsfork/pause", "")
	assert.Equal(t, http.StatusOK, code)
	code, body = h.do(t, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, code)
	forks := body["forks"].([]any)
	require.Len(t, forks, 1)
	assert.Equal(t, true, forks[0].(map[string]any)["paused"])
	code, _ = h.do(t, http.MethodPost, "/v1/sessions/c1/forks/wsfork/resume", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodDelete, "/v1/sessions/c1/forks/wsfork", "")
	assert.Equal(t, http.StatusOK, code)
	ev := h.waitEvent(t, api.EventClosed)
	require.NotNil(t, ev.Reason)
	assert.Equal(t, "LOCAL_CANCEL", *ev.Reason)

	code, _ = h.do(t, http.MethodDelete, "/v1/sessions/c1/forks/wsfork", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = h.do(t, http.MethodGet, "/v1/metrics", "")
	require.Equal(t, http.StatusOK, code)
	counters := body["counters"].(map[string]any)
	assert.EqualValues(t, 1, counters[session.MetricSessionsStarted])

	code, _ = h.do(t, http.MethodDelete, "/v1/calls/c1", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodDelete, "/v1/calls/c1", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t)
	_, err := h.sim.CreateCall("c1", mediatap.SilenceSource{}, 8000)
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"malformed json", "/v1/sessions/c1/forks", `{"url":`, http.StatusBadRequest},
		{"bad scheme", "/v1/sessions/c1/forks", `{"url":"http://x"}`, http.StatusBadRequest},
		{"bad mix", "/v1/sessions/c1/forks", `{"url":"ws://x","mix":"quad"}`, http.StatusBadRequest},
		{"unknown call", "/v1/sessions/nope/forks", `{"url":"ws://127.0.0.1:1"}`, http.StatusNotFound},
		{"unknown source", "/v1/calls", `{"source":"radio"}`, http.StatusBadRequest},
		{"mp3 disabled", "/v1/calls", `{"source":"mp3","file":"a.mp3"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, code, body)
			assert.Equal(t, false, body["ok"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUnknownRouteUsesErrorBody(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["ok"])
}

func TestDebugProbes(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/v1/debug", "")
	require.Equal(t, http.StatusOK, code)
	probes := body["probes"].(map[string]any)
	assert.EqualValues(t, 0, probes["sessions"])
}

func TestStatusOf(t *testing.T) {
	cases := map[int]error{
		http.StatusOK:                  nil,
		http.StatusNotFound:            fmt.Errorf("x: %w", api.ErrNotFound),
		http.StatusConflict:            api.ErrAlreadyExists,
		http.StatusBadRequest:          api.NewError(api.ErrCodeConfiguration, "bad"),
		http.StatusServiceUnavailable:  api.NewError(api.ErrCodeBackpressure, "full"),
		http.StatusGone:                api.NewError(api.ErrCodeChannelClosed, "closed"),
		http.StatusInternalServerError: errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, StatusOf(err), "%v", err)
	}
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(api.ErrResourceExhausted))
}

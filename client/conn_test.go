package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/core/channel"
	"github.com/momentics/wsfork/core/concurrency"
)

// newPeer starts a gorilla/websocket server that hands each accepted
// connection to handle.
func newPeer(t *testing.T, upgrader websocket.Upgrader, handle func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type harness struct {
	conn   *Conn
	tx     *channel.FrameSender
	ctl    *channel.Control
	cancel *concurrency.Signal
	rec    *api.Recorder
	result chan error
}

func newHarness(t *testing.T, rawURL string, headers map[string]string) *harness {
	t.Helper()
	ep, err := ParseEndpoint(rawURL, headers)
	require.NoError(t, err)
	tx, rx := channel.NewForwarding(320, 3)
	h := &harness{
		tx:     tx,
		ctl:    channel.NewControl(4),
		cancel: concurrency.NewSignal(),
		rec:    api.NewRecorder(32),
		result: make(chan error, 1),
	}
	cfg := Config{CloseTimeout: 200 * time.Millisecond, DialTimeout: time.Second, HandshakeTimeout: time.Second}
	h.conn = NewConn(ep, cfg, rx, h.ctl, h.cancel, h.rec)
	return h
}

func (h *harness) start(ctx context.Context) {
	go func() { h.result <- h.conn.Run(ctx) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not finish")
		return nil
	}
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.rec.C():
		require.Equal(t, api.EventConnected, ev.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("no connected event")
	}
}

func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestLocalCancelBeforeAnyFrame(t *testing.T) {
	peerClose := make(chan *websocket.CloseError, 1)
	url := newPeer(t, websocket.Upgrader{}, func(ws *websocket.Conn) {
		_, _, err := ws.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			peerClose <- ce
		}
	})

	h := newHarness(t, url, nil)
	h.start(context.Background())
	h.waitConnected(t)
	h.cancel.Fire()
	require.NoError(t, h.wait(t))

	events := h.rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, api.EventConnected, events[0].Type)
	assertLocalCancel(t, events[1])
	assert.Equal(t, StateClosedNormal, h.conn.State())
	assert.Zero(t, h.conn.FramesSent())

	select {
	case ce := <-peerClose:
		assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
		assert.Equal(t, "LOCAL_CANCEL", ce.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("peer never saw the close frame")
	}
}

func assertLocalCancel(t *testing.T, ev api.Event) {
	t.Helper()
	assert.Equal(t, api.EventClosed, ev.Type)
	require.NotNil(t, ev.Code)
	require.NotNil(t, ev.Reason)
	assert.Equal(t, uint16(1000), *ev.Code)
	assert.Equal(t, "LOCAL_CANCEL", *ev.Reason)
}

// silentListener accepts TCP connections and never answers the upgrade.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu       sync.Mutex
		accepted []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, c)
			mu.Unlock()
		}
	}()
	return "ws://" + ln.Addr().String() + "/"
}

func TestCancelWhileConnecting(t *testing.T) {
	h := newHarness(t, silentListener(t), nil)
	h.conn.cfg.HandshakeTimeout = 10 * time.Second
	h.start(context.Background())
	require.Eventually(t, func() bool { return h.conn.State() == StateConnecting }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	h.cancel.Fire()
	require.NoError(t, h.wait(t))
	assert.Less(t, time.Since(start), time.Second, "cancel ended the handshake wait")

	events := h.rec.Events()
	require.Len(t, events, 1)
	assertLocalCancel(t, events[0])
	assert.Equal(t, StateClosedNormal, h.conn.State())
}

func TestCancelBeforeRun(t *testing.T) {
	h := newHarness(t, silentListener(t), nil)
	h.cancel.Fire()
	h.start(context.Background())
	require.NoError(t, h.wait(t))

	events := h.rec.Events()
	require.Len(t, events, 1)
	assertLocalCancel(t, events[0])

	_, err := h.tx.Acquire()
	assert.ErrorIs(t, err, api.ErrClosed)
}

func TestCloseReplyNeverEchoesReservedCodes(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"empty", nil, nil},
		{"one byte", []byte{0x03}, []byte{0x03, 0xEA}},
		{"normal with reason", []byte{0x03, 0xE8, 'b', 'y', 'e'}, []byte{0x03, 0xE8}},
		{"going away", []byte{0x03, 0xE9}, []byte{0x03, 0xE9}},
		{"no status", []byte{0x03, 0xED}, []byte{0x03, 0xE8}},
		{"abnormal", []byte{0x03, 0xEE}, []byte{0x03, 0xE8}},
		{"tls", []byte{0x03, 0xF7}, []byte{0x03, 0xE8}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, closeReply(tc.in))
		})
	}
}

func TestRemoteCloseCodes(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		code    uint16
		reason  *string
	}{
		{"two bytes", []byte{0x03, 0xE8}, 1000, nil},
		{"one byte", []byte{0x03}, 1002, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := newPeer(t, websocket.Upgrader{}, func(ws *websocket.Conn) {
				_ = ws.WriteControl(websocket.CloseMessage, tc.payload, time.Now().Add(time.Second))
				drain(ws)
			})
			h := newHarness(t, url, nil)
			h.start(context.Background())
			require.NoError(t, h.wait(t))

			events := h.rec.Events()
			require.Len(t, events, 2)
			last := events[1]
			assert.Equal(t, api.EventClosed, last.Type)
			require.NotNil(t, last.Code)
			assert.Equal(t, tc.code, *last.Code)
			assert.Equal(t, tc.reason, last.Reason)
		})
	}
}

func TestInboundMessages(t *testing.T) {
	url := newPeer(t, websocket.Upgrader{WriteBufferSize: 256}, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		_ = ws.WriteMessage(websocket.TextMessage, []byte{0xFF, 0xFE})
		if w, err := ws.NextWriter(websocket.TextMessage); err == nil {
			_, _ = w.Write([]byte(strings.Repeat("a", 1000)))
			_ = w.Close()
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
		drain(ws)
	})
	h := newHarness(t, url, nil)
	h.start(context.Background())
	require.NoError(t, h.wait(t))

	events := h.rec.Events()
	require.Len(t, events, 5)
	assert.Equal(t, api.EventConnected, events[0].Type)
	assert.Equal(t, api.MessageEvent("hello"), events[1])
	assert.Equal(t, api.MessageEvent(""), events[2], "invalid utf-8 yields empty content")
	assert.Equal(t, strings.Repeat("a", 1000), events[3].Content, "fragments reassembled")
	require.NotNil(t, events[4].Code)
	require.NotNil(t, events[4].Reason)
	assert.Equal(t, uint16(1001), *events[4].Code)
	assert.Equal(t, "bye", *events[4].Reason)
}

func TestForwardsFramesAndText(t *testing.T) {
	type msg struct {
		kind int
		data []byte
	}
	got := make(chan msg, 16)
	url := newPeer(t, websocket.Upgrader{}, func(ws *websocket.Conn) {
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			got <- msg{kind, data}
		}
	})

	h := newHarness(t, url, map[string]string{"X-Call-Id": "abc"})
	h.start(context.Background())
	h.waitConnected(t)

	for i := byte(1); i <= 3; i++ {
		slot, err := h.tx.Acquire()
		require.NoError(t, err)
		n := copy(slot.Buffer(), []byte{i, i, i})
		require.NoError(t, slot.Commit(n))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, h.ctl.TrySend([]byte("status")))

	var binary [][]byte
	var text []string
	for len(binary)+len(text) < 4 {
		select {
		case m := <-got:
			if m.kind == websocket.BinaryMessage {
				binary = append(binary, m.data)
			} else {
				text = append(text, string(m.data))
			}
		case <-time.After(3 * time.Second):
			t.Fatal("peer did not receive all messages")
		}
	}
	assert.Equal(t, [][]byte{{1, 1, 1}, {2, 2, 2}, {3, 3, 3}}, binary, "exact length, FIFO")
	assert.Equal(t, []string{"status"}, text)

	h.tx.Close()
	require.NoError(t, h.wait(t))
	assert.Equal(t, uint64(3), h.conn.FramesSent())
	assert.Equal(t, uint64(1), h.conn.TextSent())

	events := h.rec.Events()
	assert.Equal(t, api.EventClosed, events[len(events)-1].Type, "producer end-of-stream closes locally")

	_, err := h.tx.Acquire()
	assert.ErrorIs(t, err, api.ErrClosed)
	assert.ErrorIs(t, h.ctl.TrySend([]byte("late")), api.ErrClosed)
}

func TestPingAnswered(t *testing.T) {
	pong := make(chan string, 1)
	url := newPeer(t, websocket.Upgrader{}, func(ws *websocket.Conn) {
		ws.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		_ = ws.WriteControl(websocket.PingMessage, []byte("p1"), time.Now().Add(time.Second))
		drain(ws)
	})
	h := newHarness(t, url, nil)
	h.start(context.Background())

	select {
	case data := <-pong:
		assert.Equal(t, "p1", data)
	case <-time.After(3 * time.Second):
		t.Fatal("no pong")
	}
	h.cancel.Fire()
	require.NoError(t, h.wait(t))
	for _, ev := range h.rec.Events() {
		assert.NotEqual(t, api.EventMessage, ev.Type, "pings produce no events")
	}
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	h := newHarness(t, "ws://"+addr+"/", nil)
	h.start(context.Background())
	err = h.wait(t)
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeConnect, api.CodeOf(err))

	events := h.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, api.EventError, events[0].Type)
	assert.NotEmpty(t, events[0].Desc)
	assert.Equal(t, StateClosedError, h.conn.State())

	_, err = h.tx.Acquire()
	assert.ErrorIs(t, err, api.ErrClosed, "producer told to stop")
}

func TestHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	h := newHarness(t, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	h.start(context.Background())
	err := h.wait(t)
	assert.Equal(t, api.ErrCodeConnect, api.CodeOf(err))
	require.Len(t, h.rec.Events(), 1)
	assert.Equal(t, api.EventError, h.rec.Events()[0].Type)
}

func TestAbortEmitsError(t *testing.T) {
	url := newPeer(t, websocket.Upgrader{}, drain)
	h := newHarness(t, url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)
	h.waitConnected(t)

	cancel()
	err := h.wait(t)
	assert.Equal(t, api.ErrCodeAborted, api.CodeOf(err))

	events := h.rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, api.ErrorEvent("aborted"), events[1])
	assert.Equal(t, StateClosedError, h.conn.State())
}

func TestPeerDisconnectWithoutClose(t *testing.T) {
	url := newPeer(t, websocket.Upgrader{}, func(ws *websocket.Conn) {
		ws.UnderlyingConn().Close()
	})
	h := newHarness(t, url, nil)
	h.start(context.Background())
	err := h.wait(t)
	require.Error(t, err)

	events := h.rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, api.EventError, events[1].Type)
}

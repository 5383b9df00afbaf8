package main

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderWritesBinaryFrames(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder(dir, logrus.NewEntry(logrus.New()))
	srv := httptest.NewServer(rec.routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{4, 5}))
	require.NoError(t, ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	ws.Close()

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 1 {
			return false
		}
		data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
		return err == nil && len(data) == 5
	}, 3*time.Second, 10*time.Millisecond)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, data)
}

func TestFileName(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.Local)
	a, b := fileName(now), fileName(now)
	assert.True(t, strings.HasPrefix(a, "20240305_140709_"))
	assert.Len(t, a, len("20240305_140709_")+10)
	assert.NotEqual(t, a, b)
}

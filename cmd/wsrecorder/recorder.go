// File: cmd/wsrecorder/recorder.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

type recorder struct {
	dir      string
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func newRecorder(dir string, log *logrus.Entry) *recorder {
	return &recorder{
		dir: dir,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (r *recorder) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.GET("/ws", r.handle)
	return e
}

// fileName is the local time plus a random suffix.
func fileName(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return now.Format("20060102_150405") + "_" + suffix
}

func (r *recorder) handle(c echo.Context) error {
	ws, err := r.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil
	}
	defer ws.Close()

	path := filepath.Join(r.dir, fileName(time.Now()))
	log := r.log.WithFields(logrus.Fields{"remote": c.RealIP(), "file": path})
	f, err := os.Create(path)
	if err != nil {
		log.WithError(err).Error("create output file")
		return nil
	}
	defer f.Close()
	log.Info("connection established")

	var total int64
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithField("bytes", total).Info("connection closed")
			} else {
				log.WithError(err).WithField("bytes", total).Warn("connection ended")
			}
			return nil
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if _, err := f.Write(data); err != nil {
			log.WithError(err).Error("write output file")
			return nil
		}
		total += int64(len(data))
		log.WithField("len", len(data)).Debug("frame written")
	}
}

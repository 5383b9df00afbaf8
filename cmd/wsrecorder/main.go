// File: cmd/wsrecorder/main.go
// Package main
// wsrecorder is a WebSocket peer for exercising forks: every binary frame a
// connection sends is appended to one file per connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dir := flag.String("dir", "", "output directory")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *dir == "" {
		log.Fatal("-dir is required")
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		log.WithError(err).Fatal("create output directory")
	}

	rec := newRecorder(*dir, logrus.NewEntry(log))
	e := rec.routes()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(sctx)
	}()

	log.WithFields(logrus.Fields{"addr": *addr, "dir": *dir}).Info("recorder listening")
	if err := e.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("recorder failed")
	}
}

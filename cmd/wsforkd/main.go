// File: cmd/wsforkd/main.go
// Package main
// wsforkd forks live call audio to WebSocket endpoints. Calls come from the
// built-in media simulator; forks are driven over the HTTP control API.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/control"
	"github.com/momentics/wsfork/core/concurrency"
	"github.com/momentics/wsfork/internal/session"
	"github.com/momentics/wsfork/mediatap"
	"github.com/momentics/wsfork/server"
)

func main() {
	envFile := flag.String("env", "", "optional .env file (default: ./.env if present)")
	media := flag.String("media", "", "directory MP3 call sources are read from")
	interval := flag.Duration("interval", 20*time.Millisecond, "media packet interval")
	demoCall := flag.String("demo-call", "", "create a tone call with this id at startup")
	flag.Parse()

	log := logrus.New()
	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	if err := run(log, files, *media, *interval, *demoCall); err != nil {
		log.WithError(err).Fatal("wsforkd failed")
	}
}

func run(log *logrus.Logger, files []string, media string, interval time.Duration, demoCall string) error {
	cfg, err := control.LoadConfig(files...)
	if err != nil {
		return err
	}
	if err := control.ApplyLogging(log, cfg); err != nil {
		return err
	}
	store := control.NewConfigStore(cfg)
	control.FollowLogging(store, log)
	base := logrus.NewEntry(log)

	metrics := control.NewMetricsRegistry(
		session.MetricFramesForwarded,
		session.MetricFramesDropped,
		session.MetricFramesPaused,
		session.MetricControlSent,
		session.MetricControlDropped,
		session.MetricSessionsStarted,
		session.MetricSessionsActive,
		session.MetricTeardownTimeouts,
	)
	exec := concurrency.NewExecutor(cfg.MaxSessions, base)
	sim := mediatap.NewSimulator(interval, base)
	registry := session.NewRegistry(cfg.SessionConfig(), sim, exec,
		session.WithSink(api.MultiSink{eventLogger(base), eventCounter(metrics)}),
		session.WithMetrics(metrics),
		session.WithLogger(base),
	)

	probes := control.NewDebugProbes()
	control.RegisterRuntimeProbes(probes)
	probes.RegisterProbe("sessions", func() any { return registry.Len() })
	probes.RegisterProbe("tombstones", func() any { return registry.Tombstones() })
	probes.RegisterProbe("executor.active", func() any { return exec.Active() })
	probes.RegisterProbe("calls", func() any { return len(sim.Calls()) })
	probes.RegisterProbe("config", func() any { return store.GetSnapshot() })

	srvCfg := server.DefaultConfig()
	srvCfg.ListenAddr = cfg.ListenAddr
	srvCfg.MediaRoot = media
	srv := server.NewServer(srvCfg, registry,
		server.WithCalls(sim),
		server.WithMetrics(metrics),
		server.WithProbes(probes),
		server.WithLogger(base),
	)

	if demoCall != "" {
		if _, err := sim.CreateCall(demoCall, mediatap.NewToneSource(srvCfg.DefaultRate), srvCfg.DefaultRate); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := store.Reload(files...); err != nil {
					base.WithError(err).Warn("config reload rejected")
					continue
				}
				base.Info("config reloaded")
			}
		}
	})

	err = g.Wait()
	base.Info("shutting down")
	registry.CancelAll()
	sim.Close()
	if cerr := exec.Close(cfg.TeardownTimeout); cerr != nil {
		base.WithError(cerr).Warn("executor did not drain")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// eventCounter counts notifications per type as events_<type>.
func eventCounter(metrics *control.MetricsRegistry) api.NotificationSink {
	return api.SinkFunc(func(ev api.Event) {
		metrics.Add("events_"+strings.ToLower(string(ev.Type)), 1)
	})
}

// eventLogger writes session notifications to the log.
func eventLogger(log *logrus.Entry) api.NotificationSink {
	log = log.WithField("component", "events")
	return api.SinkFunc(func(ev api.Event) {
		fields := logrus.Fields{
			"session": ev.Session,
			"fork":    ev.Fork,
			"type":    ev.Type,
		}
		if ev.Code != nil {
			fields["code"] = *ev.Code
		}
		if ev.Reason != nil {
			fields["reason"] = *ev.Reason
		}
		if ev.Desc != "" {
			fields["desc"] = ev.Desc
		}
		entry := log.WithFields(fields)
		switch ev.Type {
		case api.EventError:
			entry.Warn("session event")
		case api.EventMessage:
			entry.WithField("bytes", len(ev.Content)).Debug("session event")
		default:
			entry.Info("session event")
		}
	})
}

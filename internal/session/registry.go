// File: internal/session/registry.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry serialises Start/Stop/Pause/Resume/SendText against the realtime
// teardown of the same key.

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/client"
	"github.com/momentics/wsfork/core/channel"
	"github.com/momentics/wsfork/core/concurrency"
	"github.com/momentics/wsfork/mediatap"
)

// Metric names reported by the registry.
const (
	MetricFramesForwarded  = "frames_forwarded"
	MetricFramesDropped    = "frames_dropped"
	MetricFramesPaused     = "frames_paused"
	MetricControlSent      = "control_sent"
	MetricControlDropped   = "control_dropped"
	MetricSessionsStarted  = "sessions_started"
	MetricSessionsActive   = "sessions_active"
	MetricTeardownTimeouts = "teardown_timeouts"
)

// Metrics receives counter updates. Add must be safe on the realtime path.
type Metrics interface {
	Add(name string, delta int64)
}

type nopMetrics struct{}

func (nopMetrics) Add(string, int64) {}

// Config tunes session sizing and teardown.
type Config struct {
	BufferDuration  time.Duration // target buffered audio per forwarding channel
	ControlCapacity int           // pending text messages per session
	TeardownTimeout time.Duration // realtime wait for the connection task
	GraceWindow     time.Duration // tombstone lifetime after removal; best-effort
	MaxSessions     int           // 0 means unlimited
	Shards          int
	Client          client.Config
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{
		BufferDuration:  channel.DefaultBufferDuration,
		ControlCapacity: channel.DefaultControlCapacity,
		TeardownTimeout: 5 * time.Second,
		GraceWindow:     5 * time.Second,
		Shards:          16,
		Client:          client.DefaultConfig(),
	}
}

// StartRequest is the Start command.
type StartRequest struct {
	Session     string
	Fork        string
	URL         string
	Headers     map[string]string
	Mix         api.ChannelMix
	StartPaused bool
}

// Registry maps keys to live sessions.
type Registry struct {
	cfg     Config
	engine  mediatap.Engine
	exec    *concurrency.Executor
	sink    api.NotificationSink
	metrics Metrics
	log     *logrus.Entry

	table *sessionTable
	tombs *tombstoneSet
	gen   atomic.Uint64
}

// Option customises a Registry.
type Option func(*Registry)

// WithSink delivers session events to sink.
func WithSink(sink api.NotificationSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithMetrics reports counters to m.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates a registry attaching taps to engine and running
// connections on exec.
func NewRegistry(cfg Config, engine mediatap.Engine, exec *concurrency.Executor, opts ...Option) *Registry {
	d := DefaultConfig()
	if cfg.BufferDuration <= 0 {
		cfg.BufferDuration = d.BufferDuration
	}
	if cfg.ControlCapacity <= 0 {
		cfg.ControlCapacity = d.ControlCapacity
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = d.TeardownTimeout
	}
	if cfg.GraceWindow < 0 {
		cfg.GraceWindow = d.GraceWindow
	}
	r := &Registry{
		cfg:     cfg,
		engine:  engine,
		exec:    exec,
		sink:    api.SinkFunc(func(api.Event) {}),
		metrics: nopMetrics{},
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.WithField("component", "registry")
	r.table = newSessionTable(cfg.Shards)
	r.tombs = newTombstoneSet()
	return r
}

// Start creates a session, spawns its connection and attaches its tap.
// A live session under the same key is rejected with api.ErrAlreadyExists.
func (r *Registry) Start(req StartRequest) error {
	if req.Session == "" {
		return api.NewError(api.ErrCodeConfiguration, "session key is required")
	}
	key := api.NewKey(req.Session, req.Fork)
	ep, err := client.ParseEndpoint(req.URL, req.Headers)
	if err != nil {
		return err
	}
	if r.cfg.MaxSessions > 0 && r.table.len() >= r.cfg.MaxSessions {
		return api.WrapError(api.ErrCodeResourceExhausted, "session limit reached", api.ErrResourceExhausted).
			WithContext("limit", r.cfg.MaxSessions)
	}
	format, err := r.engine.ReadFormat(key.Session)
	if err != nil {
		return fmt.Errorf("read format of %s: %w", key.Session, err)
	}

	flags := mediatap.FlagsFor(req.Mix)
	capacity := channel.Capacity(r.cfg.BufferDuration, format.PacketInterval)
	tx, rx := channel.NewForwarding(format.FrameSize(flags), capacity)
	s := &Session{
		key:       key,
		gen:       r.gen.Add(1),
		endpoint:  ep,
		mix:       req.Mix,
		startedAt: time.Now(),
		tx:        tx,
		rx:        rx,
		ctl:       channel.NewControl(r.cfg.ControlCapacity),
		cancel:    concurrency.NewSignal(),
		log: r.log.WithFields(logrus.Fields{
			"session": key.Session,
			"fork":    key.Fork,
		}),
	}
	s.paused.Store(req.StartPaused)

	cfg := r.cfg.Client
	cfg.Logger = s.log
	sink := api.TaggedSink{Session: key.Session, Fork: key.Fork, Next: r.sink}
	s.conn = client.NewConn(ep, cfg, rx, s.ctl, s.cancel, sink)

	if err := r.table.insert(s); err != nil {
		return fmt.Errorf("start %s: %w", key, err)
	}
	r.metrics.Add(MetricSessionsActive, 1)
	task, err := r.exec.Spawn("fork "+key.String(), func(ctx context.Context) {
		if err := s.conn.Run(ctx); err != nil {
			s.log.WithError(err).Debug("connection ended with error")
		}
	})
	if err != nil {
		if r.table.removeIf(key, s.gen) {
			r.metrics.Add(MetricSessionsActive, -1)
		}
		return fmt.Errorf("start %s: %w", key, err)
	}
	s.task = task

	if err := r.engine.AttachTap(key.Session, key.Fork, flags, &tap{s: s, r: r}); err != nil {
		s.log.WithError(err).Warn("attach tap failed")
		go r.teardown(s)
		return fmt.Errorf("attach %s: %w", key, err)
	}

	r.metrics.Add(MetricSessionsStarted, 1)
	s.log.WithFields(logrus.Fields{
		"endpoint": ep.String(),
		"mix":      req.Mix.String(),
		"capacity": capacity,
		"paused":   req.StartPaused,
	}).Info("forwarding started")
	return nil
}

// lookup resolves a live, not yet stopped session.
func (r *Registry) lookup(session, fork string) (*Session, error) {
	key := api.NewKey(session, fork)
	s, ok := r.table.get(key)
	if !ok || s.cancel.Fired() {
		return nil, api.WrapError(api.ErrCodeNotFound, "no session "+key.String(), api.ErrNotFound)
	}
	return s, nil
}

// Stop requests cancellation. The tap detaches on its next read.
func (r *Registry) Stop(session, fork string) error {
	s, err := r.lookup(session, fork)
	if err != nil {
		return err
	}
	if s.cancel.Fire() {
		s.log.Info("forwarding stop requested")
	}
	return nil
}

// Pause suspends forwarding; the tap stays attached.
func (r *Registry) Pause(session, fork string) error {
	return r.setPaused(session, fork, true)
}

// Resume restarts forwarding after Pause.
func (r *Registry) Resume(session, fork string) error {
	return r.setPaused(session, fork, false)
}

func (r *Registry) setPaused(session, fork string, paused bool) error {
	s, err := r.lookup(session, fork)
	if err != nil {
		return err
	}
	if s.paused.Swap(paused) != paused {
		s.log.WithField("paused", paused).Info("forwarding pause changed")
	}
	return nil
}

// SendText queues a text message on the session's control channel.
func (r *Registry) SendText(session, fork, text string) error {
	s, err := r.lookup(session, fork)
	if err != nil {
		return err
	}
	switch err := s.ctl.TrySend([]byte(text)); {
	case err == nil:
		r.metrics.Add(MetricControlSent, 1)
		return nil
	case errors.Is(err, api.ErrFull):
		r.metrics.Add(MetricControlDropped, 1)
		return api.WrapError(api.ErrCodeBackpressure, "control channel full", err)
	default:
		return api.WrapError(api.ErrCodeChannelClosed, "connection closed", err)
	}
}

// Info describes one live session.
func (r *Registry) Info(session, fork string) (api.SessionInfo, error) {
	s, ok := r.table.get(api.NewKey(session, fork))
	if !ok {
		return api.SessionInfo{}, api.WrapError(api.ErrCodeNotFound, "no session", api.ErrNotFound)
	}
	return s.Info(), nil
}

// List describes all live sessions, ordered by key.
func (r *Registry) List() []api.SessionInfo {
	var out []api.SessionInfo
	r.table.rangeAll(func(s *Session) { out = append(out, s.Info()) })
	sort.Slice(out, func(i, j int) bool {
		if out[i].Session != out[j].Session {
			return out[i].Session < out[j].Session
		}
		return out[i].Fork < out[j].Fork
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return r.table.len() }

// Tombstones returns the number of removed sessions still inside their grace
// window.
func (r *Registry) Tombstones() int { return r.tombs.len() }

// CancelAll requests cancellation of every session, for shutdown.
func (r *Registry) CancelAll() {
	r.table.rangeAll(func(s *Session) { s.cancel.Fire() })
}

// teardown is the detach path: cancel, wait bounded, abort on timeout, remove
// the key and reclaim after the grace window. Runs once per session.
func (r *Registry) teardown(s *Session) {
	s.teardownOnce.Do(func() {
		s.cancel.Fire()
		s.tx.Close()

		if s.task != nil && !s.task.Wait(r.cfg.TeardownTimeout) {
			s.log.WithField("timeout", r.cfg.TeardownTimeout).Warn("connection task did not stop in time, aborting")
			s.task.Abort()
			r.metrics.Add(MetricTeardownTimeouts, 1)
		}

		if r.table.removeIf(s.key, s.gen) {
			r.metrics.Add(MetricSessionsActive, -1)
		}
		r.tombs.add(s, r.cfg.GraceWindow)
		r.exec.AfterFunc(r.cfg.GraceWindow, func() {
			r.tombs.drop(s.gen)
			n := s.rx.Reclaim()
			s.log.WithField("buffers", n).Debug("session reclaimed")
		})
		s.log.WithFields(logrus.Fields{
			"forwarded": s.forwarded.Load(),
			"dropped":   s.dropped.Load(),
		}).Info("forwarding torn down")
	})
}

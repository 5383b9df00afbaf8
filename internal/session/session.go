// File: internal/session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session state and the realtime tap that feeds it.

package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/client"
	"github.com/momentics/wsfork/core/channel"
	"github.com/momentics/wsfork/core/concurrency"
	"github.com/momentics/wsfork/mediatap"
)

// dropLogEvery rate-limits backpressure warnings: the first drop and every
// n-th after it are logged.
const dropLogEvery = 50

// Session is the per-key record shared by the realtime tap and command
// callers. Fields other than the atomics are immutable after Start.
type Session struct {
	key       api.Key
	gen       uint64
	endpoint  client.Endpoint
	mix       api.ChannelMix
	startedAt time.Time

	tx     *channel.FrameSender
	rx     *channel.FrameReceiver
	ctl    *channel.Control
	cancel *concurrency.Signal
	conn   *client.Conn
	task   *concurrency.Task

	paused    atomic.Bool
	forwarded atomic.Uint64
	dropped   atomic.Uint64

	teardownOnce sync.Once
	log          *logrus.Entry
}

// Key returns the session key.
func (s *Session) Key() api.Key { return s.key }

// Paused reports the pause flag.
func (s *Session) Paused() bool { return s.paused.Load() }

// Info snapshots the session.
func (s *Session) Info() api.SessionInfo {
	return api.SessionInfo{
		Session:   s.key.Session,
		Fork:      s.key.Fork,
		URL:       s.endpoint.String(),
		Mix:       s.mix.String(),
		State:     s.conn.State().String(),
		Paused:    s.paused.Load(),
		Forwarded: s.forwarded.Load(),
		Dropped:   s.dropped.Load(),
		StartedAt: s.startedAt,
	}
}

// tap is the realtime callback of one session. It never blocks: frames are
// handed off through the forwarding channel or dropped.
type tap struct {
	s *Session
	r *Registry
}

var _ mediatap.Callback = (*tap)(nil)

func (t *tap) OnInit(format mediatap.AudioFormat) {
	t.s.log.WithFields(logrus.Fields{
		"sample_rate": format.SampleRate,
		"frame_bytes": format.FrameSize(mediatap.FlagsFor(t.s.mix)),
		"capacity":    t.s.tx.Capacity(),
	}).Debug("tap initialised")
}

// OnRead forwards one frame. It returns false to detach once the session has
// been stopped, the consumer is gone or the frame could not be read.
func (t *tap) OnRead(fr mediatap.FrameReader) bool {
	s := t.s
	if s.cancel.Fired() {
		return false
	}
	if s.paused.Load() {
		t.r.metrics.Add(MetricFramesPaused, 1)
		return true
	}

	slot, err := s.tx.Acquire()
	switch {
	case errors.Is(err, api.ErrFull):
		t.drop()
		return true
	case err != nil:
		return false
	}

	n, err := fr.ReadFrame(slot.Buffer())
	if err != nil {
		slot.Discard()
		s.log.WithError(err).Warn("frame read failed, detaching")
		return false
	}
	switch err := slot.Commit(n); {
	case err == nil:
		s.forwarded.Add(1)
		t.r.metrics.Add(MetricFramesForwarded, 1)
		return true
	case errors.Is(err, api.ErrFull):
		t.drop()
		return true
	default:
		return false
	}
}

func (t *tap) drop() {
	n := t.s.dropped.Add(1)
	t.r.metrics.Add(MetricFramesDropped, 1)
	if n == 1 || n%dropLogEvery == 0 {
		t.s.log.WithField("dropped", n).Warn("buffer full, frame dropped")
	}
}

// OnClose runs the bounded teardown on the engine's thread.
func (t *tap) OnClose() {
	t.r.teardown(t.s)
}

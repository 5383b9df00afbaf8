// File: mediatap/simulator.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Simulator is an in-process Engine. Each Step is one packetization interval
// for every call: sources are advanced, frames are mixed per tap flags and
// every attached callback is invoked synchronously, as a media thread would.
// Detach callbacks run off the stepping goroutine, one per call.

package mediatap

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/momentics/wsfork/api"
)

// DefaultPacketInterval is the simulated ptime.
const DefaultPacketInterval = 20 * time.Millisecond

type tapState struct {
	name   string
	flags  Flags
	cb     Callback
	inited bool
}

type simCall struct {
	id     string
	format AudioFormat
	source Source

	mu        sync.Mutex
	taps      []*tapState
	read      []int16
	write     []int16
	ended     bool
	detaching bool
}

// Simulator implements Engine with synthetic calls.
type Simulator struct {
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	calls   map[string]*simCall
	pending sync.WaitGroup
}

// NewSimulator creates an empty simulator ticking every interval.
func NewSimulator(interval time.Duration, log *logrus.Entry) *Simulator {
	if interval <= 0 {
		interval = DefaultPacketInterval
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Simulator{
		interval: interval,
		log:      log.WithField("component", "simulator"),
		calls:    make(map[string]*simCall),
	}
}

// CreateCall registers a call fed by src. An empty id gets a generated one.
func (s *Simulator) CreateCall(id string, src Source, sampleRate int) (string, error) {
	format, err := NewAudioFormat(sampleRate, s.interval)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	samples := format.SamplesPerPacket()
	c := &simCall{
		id:     id,
		format: format,
		source: src,
		read:   make([]int16, samples),
		write:  make([]int16, samples),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[id]; ok {
		return "", fmt.Errorf("call %s: %w", id, api.ErrAlreadyExists)
	}
	s.calls[id] = c
	s.log.WithFields(logrus.Fields{"call": id, "sample_rate": sampleRate}).Info("call created")
	return id, nil
}

// HangUp ends a call; every tap receives OnClose before HangUp returns.
func (s *Simulator) HangUp(id string) error {
	s.mu.Lock()
	c, ok := s.calls[id]
	delete(s.calls, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("call %s: %w", id, api.ErrNotFound)
	}

	c.mu.Lock()
	c.ended = true
	taps := c.taps
	c.taps = nil
	c.mu.Unlock()

	for _, t := range taps {
		t.cb.OnClose()
	}
	if err := c.source.Close(); err != nil {
		s.log.WithError(err).WithField("call", id).Warn("source close failed")
	}
	s.log.WithField("call", id).Info("call ended")
	return nil
}

// Calls lists active call ids.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.calls))
	for id := range s.calls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TapCount returns the number of taps attached to a call.
func (s *Simulator) TapCount(id string) int {
	c := s.call(id)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.taps)
}

func (s *Simulator) call(id string) *simCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

// ReadFormat implements Engine.
func (s *Simulator) ReadFormat(id string) (AudioFormat, error) {
	c := s.call(id)
	if c == nil {
		return AudioFormat{}, fmt.Errorf("call %s: %w", id, api.ErrNotFound)
	}
	return c.format, nil
}

// AttachTap implements Engine. OnInit fires on the next Step.
func (s *Simulator) AttachTap(id, name string, flags Flags, cb Callback) error {
	c := s.call(id)
	if c == nil {
		return fmt.Errorf("call %s: %w", id, api.ErrNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return fmt.Errorf("call %s: %w", id, api.ErrNotFound)
	}
	for _, t := range c.taps {
		if t.name == name {
			return fmt.Errorf("tap %s on call %s: %w", name, id, api.ErrAlreadyExists)
		}
	}
	c.taps = append(c.taps, &tapState{name: name, flags: flags, cb: cb})
	return nil
}

// Step advances every call by one packet.
func (s *Simulator) Step() {
	s.mu.Lock()
	calls := make([]*simCall, 0, len(s.calls))
	for _, c := range s.calls {
		calls = append(calls, c)
	}
	s.mu.Unlock()

	for _, c := range calls {
		s.stepCall(c)
	}
}

func (s *Simulator) stepCall(c *simCall) {
	c.mu.Lock()
	if c.ended || c.detaching || len(c.taps) == 0 {
		c.mu.Unlock()
		return
	}

	srcErr := c.source.Next(c.read, c.write)
	kept := c.taps[:0]
	var detached []*tapState
	for _, t := range c.taps {
		if !t.inited {
			t.cb.OnInit(c.format)
			t.inited = true
		}
		r := &frameReader{call: c, flags: t.flags, err: srcErr}
		if t.cb.OnRead(r) {
			kept = append(kept, t)
		} else {
			detached = append(detached, t)
		}
	}
	for i := len(kept); i < len(c.taps); i++ {
		c.taps[i] = nil
	}
	c.taps = kept
	if len(detached) == 0 {
		c.mu.Unlock()
		return
	}
	c.detaching = true
	c.mu.Unlock()

	// OnClose may block for a bounded teardown. It runs on the call's own
	// goroutine so other calls keep their cadence; this call is not stepped
	// until it returns.
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		for _, t := range detached {
			s.log.WithFields(logrus.Fields{"call": c.id, "tap": t.name}).Debug("tap detached")
			t.cb.OnClose()
		}
		c.mu.Lock()
		c.detaching = false
		c.mu.Unlock()
	}()
}

// Settle waits for detach callbacks started by earlier Steps.
func (s *Simulator) Settle() {
	s.pending.Wait()
}

// Run steps the simulator every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Step()
		}
	}
}

// Close hangs up every call and waits for pending detach callbacks.
func (s *Simulator) Close() {
	for _, id := range s.Calls() {
		_ = s.HangUp(id)
	}
	s.Settle()
}

// frameReader renders the call's current packet for one tap.
type frameReader struct {
	call  *simCall
	flags Flags
	err   error
}

func (r *frameReader) ReadFrame(dst []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	c := r.call
	need := c.format.FrameSize(r.flags)
	if len(dst) < need {
		return 0, fmt.Errorf("%w: frame buffer %d < %d", api.ErrInvalidArgument, len(dst), need)
	}
	switch {
	case r.flags&Stereo != 0:
		for i := range c.read {
			binary.LittleEndian.PutUint16(dst[i*4:], uint16(c.read[i]))
			binary.LittleEndian.PutUint16(dst[i*4+2:], uint16(c.write[i]))
		}
	case r.flags&(ReadStream|WriteStream) == ReadStream|WriteStream:
		for i := range c.read {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(mix(c.read[i], c.write[i])))
		}
	case r.flags&WriteStream != 0:
		for i, v := range c.write {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
		}
	default:
		for i, v := range c.read {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
		}
	}
	return need, nil
}

// mix sums two samples with saturation.
func mix(a, b int16) int16 {
	s := int32(a) + int32(b)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	}
	return int16(s)
}

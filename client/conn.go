// File: client/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn is the protocol state machine of one forwarding session. It owns the
// network connection, writes queued audio frames as binary messages and
// control messages as text, and reports lifecycle events to a sink.

package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/core/channel"
	"github.com/momentics/wsfork/core/concurrency"
	"github.com/momentics/wsfork/protocol"
)

type inboundMsg struct {
	opcode  byte
	payload []byte
}

// Conn runs a single connection attempt. It is not reusable.
type Conn struct {
	endpoint Endpoint
	cfg      Config
	frames   *channel.FrameReceiver
	control  *channel.Control
	cancel   *concurrency.Signal
	sink     api.NotificationSink
	log      *logrus.Entry

	state    atomic.Int32
	notified atomic.Bool

	nc net.Conn
	br *bufio.Reader

	wmu  sync.Mutex
	wbuf []byte

	inbound chan inboundMsg
	readErr chan error
	done    chan struct{}

	framesSent atomic.Uint64
	textSent   atomic.Uint64
}

// NewConn wires a connection to its channels. Run must be called exactly once.
func NewConn(ep Endpoint, cfg Config, frames *channel.FrameReceiver, control *channel.Control,
	cancel *concurrency.Signal, sink api.NotificationSink) *Conn {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = api.SinkFunc(func(api.Event) {})
	}
	return &Conn{
		endpoint: ep,
		cfg:      cfg,
		frames:   frames,
		control:  control,
		cancel:   cancel,
		sink:     sink,
		log:      cfg.Logger.WithField("endpoint", ep.String()),
		inbound:  make(chan inboundMsg, 8),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// FramesSent returns the number of audio frames written.
func (c *Conn) FramesSent() uint64 { return c.framesSent.Load() }

// TextSent returns the number of control messages written.
func (c *Conn) TextSent() uint64 { return c.textSent.Load() }

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// Run connects, forwards until cancellation, remote close or failure, and
// emits exactly one terminal event. Cancelling ctx aborts the connection.
// Firing the cancel signal while still connecting ends the attempt with the
// same Closed event as a local cancel. Both channels are closed on return so
// the producer stops forwarding.
func (c *Conn) Run(ctx context.Context) error {
	defer c.frames.Close()
	defer c.control.Close()
	defer close(c.done)

	cctx, stopConnect := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.cancel.Done():
			stopConnect()
		case <-cctx.Done():
		}
	}()
	err := c.connect(cctx)
	stopConnect()
	if err != nil {
		if ctx.Err() == nil && c.cancel.Fired() {
			if c.nc != nil {
				c.nc.Close()
			}
			c.log.WithError(err).Debug("stopped while connecting")
			return c.closedByCancel()
		}
		return c.fail(ctx, err)
	}
	nc := c.nc
	defer nc.Close()
	defer context.AfterFunc(ctx, func() { nc.Close() })()

	c.setState(StateOpen)
	c.log.Debug("connection open")
	c.sink.Notify(api.ConnectedEvent())

	go c.readLoop()
	return c.loop(ctx)
}

// connect dials and upgrades. Cancelling ctx closes the socket so a pending
// TLS or upgrade exchange returns at once.
func (c *Conn) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	addr := c.endpoint.Address()
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return api.WrapError(api.ErrCodeConnect, "dial "+addr, err)
	}
	c.nc = raw
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	_ = raw.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if c.endpoint.Secure() {
		tc := tls.Client(raw, c.tlsConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			return api.WrapError(api.ErrCodeConnect, "tls handshake", err)
		}
		c.nc = tc
	}

	key := protocol.NewHandshakeKey()
	req := protocol.NewHandshakeRequest(c.endpoint.URL, c.endpoint.Header, key)
	if err := protocol.WriteHandshakeRequest(c.nc, req); err != nil {
		return api.WrapError(api.ErrCodeConnect, "handshake write", err)
	}
	c.br = bufio.NewReader(c.nc)
	if _, err := protocol.ReadHandshakeResponse(c.br, req, key); err != nil {
		return api.WrapError(api.ErrCodeConnect, "handshake", err)
	}
	if !stop() {
		return api.WrapError(api.ErrCodeConnect, "connect", ctx.Err())
	}
	_ = c.nc.SetDeadline(time.Time{})
	return nil
}

func (c *Conn) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.cfg.TLSConfig != nil {
		cfg = c.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.endpoint.URL.Hostname()
	}
	return cfg
}

// loop is the Open state. Cancellation is checked first on every pass, then
// one pending control message; the select itself is fair across outbound
// frames and inbound traffic.
func (c *Conn) loop(ctx context.Context) error {
	frames := c.frames.Frames()
	for {
		if c.cancel.Fired() {
			return c.closeLocal(ctx)
		}
		if msg, ok := c.control.TryRecv(); ok {
			if err := c.writeFrame(protocol.OpcodeText, msg); err != nil {
				return c.fail(ctx, api.WrapError(api.ErrCodeConnect, "write text", err))
			}
			c.textSent.Add(1)
		}

		select {
		case <-ctx.Done():
			return c.fail(ctx, ctx.Err())
		case <-c.cancel.Done():
		case <-c.control.Ready():
		case buf, ok := <-frames:
			if !ok {
				c.log.Debug("frame producer finished")
				return c.closeLocal(ctx)
			}
			c.frames.MarkReceived()
			err := c.writeFrame(protocol.OpcodeBinary, buf.Bytes())
			c.frames.Release(buf)
			if err != nil {
				return c.fail(ctx, api.WrapError(api.ErrCodeConnect, "write frame", err))
			}
			c.framesSent.Add(1)
		case m := <-c.inbound:
			if m.opcode == protocol.OpcodeClose {
				return c.closeRemote(m.payload)
			}
			c.dispatch(m)
		case err := <-c.readErr:
			return c.fail(ctx, err)
		}
	}
}

func (c *Conn) dispatch(m inboundMsg) {
	switch m.opcode {
	case protocol.OpcodeText:
		content := ""
		if utf8.Valid(m.payload) {
			content = string(m.payload)
		}
		c.sink.Notify(api.MessageEvent(content))
	case protocol.OpcodeBinary:
		c.log.WithField("bytes", len(m.payload)).Debug("binary message ignored")
	}
}

// closeLocal sends close 1000 LOCAL_CANCEL and waits briefly for the reply.
// An abort during the wait still reports "aborted".
func (c *Conn) closeLocal(ctx context.Context) error {
	c.setState(StateClosingLocal)
	payload := protocol.ClosePayload(protocol.CloseNormalClosure, protocol.CloseReasonLocalCancel)
	if err := c.writeFrame(protocol.OpcodeClose, payload); err != nil {
		return c.fail(ctx, api.WrapError(api.ErrCodeConnect, "write close", err))
	}
	c.awaitCloseReply(ctx)
	if ctx.Err() != nil {
		return c.fail(ctx, ctx.Err())
	}
	c.log.Debug("closed locally")
	return c.closedByCancel()
}

func (c *Conn) closedByCancel() error {
	code := uint16(protocol.CloseNormalClosure)
	reason := protocol.CloseReasonLocalCancel
	c.setState(StateClosedNormal)
	c.notifyTerminal(api.ClosedEvent(&code, &reason))
	return nil
}

func (c *Conn) awaitCloseReply(ctx context.Context) {
	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()
	for {
		select {
		case m := <-c.inbound:
			if m.opcode == protocol.OpcodeClose {
				return
			}
		case <-c.readErr:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			c.log.Debug("no close reply from peer")
			return
		}
	}
}

// closeRemote echoes the peer's close code and reports it.
func (c *Conn) closeRemote(payload []byte) error {
	c.setState(StateClosingRemote)
	code, reason := protocol.ParseClosePayload(payload)

	if err := c.writeFrame(protocol.OpcodeClose, closeReply(payload)); err != nil {
		c.log.WithError(err).Debug("close reply not sent")
	}

	c.setState(StateClosedNormal)
	fields := logrus.Fields{}
	if code != nil {
		fields["code"] = *code
	}
	c.log.WithFields(fields).Debug("closed by peer")
	c.notifyTerminal(api.ClosedEvent(code, reason))
	return nil
}

// closeReply is the payload echoed to a peer's close frame. Codes that must
// never appear on the wire are answered with 1000.
func closeReply(payload []byte) []byte {
	switch {
	case len(payload) == 0:
		return nil
	case len(payload) == 1:
		return protocol.ClosePayload(protocol.CloseProtocolError, "")
	}
	switch binary.BigEndian.Uint16(payload) {
	case protocol.CloseNoStatusRcvd, protocol.CloseAbnormalClosure, protocol.CloseTLSHandshake:
		return protocol.ClosePayload(protocol.CloseNormalClosure, "")
	}
	return payload[:2]
}

// fail ends the session with an Error event. A cancelled ctx always reports
// "aborted" regardless of the I/O error it caused.
func (c *Conn) fail(ctx context.Context, err error) error {
	prev := c.State()
	desc := err.Error()
	if ctx.Err() != nil {
		err = api.WrapError(api.ErrCodeAborted, "aborted", ctx.Err())
		desc = "aborted"
	} else if prev == StateOpen && api.CodeOf(err) == api.ErrCodeProtocol {
		_ = c.writeFrame(protocol.OpcodeClose,
			protocol.ClosePayload(protocol.CloseProtocolError, ""))
	}
	c.setState(StateClosedError)
	if c.nc != nil {
		c.nc.Close()
	}
	c.log.WithFields(logrus.Fields{
		"state": prev.String(),
		"code":  api.CodeOf(err).String(),
	}).WithError(err).Warn("forwarding connection failed")
	c.notifyTerminal(api.ErrorEvent(desc))
	return err
}

func (c *Conn) notifyTerminal(ev api.Event) {
	if c.notified.CompareAndSwap(false, true) {
		c.sink.Notify(ev)
	}
}

// writeFrame serialises one masked frame. The reader uses it for pongs, so
// writes are guarded by wmu.
func (c *Conn) writeFrame(opcode byte, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.wbuf = protocol.AppendFrame(c.wbuf[:0], opcode, payload, protocol.NewMaskKey())
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.nc.Write(c.wbuf)
	return err
}

// readLoop decodes inbound frames, answers pings and reassembles fragmented
// messages. It stops after a close frame or the first error.
func (c *Conn) readLoop() {
	var (
		assembling bool
		op         byte
		msg        []byte
	)
	for {
		f, err := protocol.DecodeFrame(c.br)
		if err != nil {
			c.reportReadErr(err)
			return
		}
		switch f.Opcode {
		case protocol.OpcodePing:
			if err := c.writeFrame(protocol.OpcodePong, f.Payload); err != nil {
				c.reportReadErr(err)
				return
			}
		case protocol.OpcodePong:
		case protocol.OpcodeClose:
			c.deliver(inboundMsg{opcode: protocol.OpcodeClose, payload: f.Payload})
			return
		case protocol.OpcodeText, protocol.OpcodeBinary:
			if assembling {
				c.reportReadErr(fmt.Errorf("%w: data frame inside fragmented message", protocol.ErrProtocol))
				return
			}
			if f.IsFinal {
				if !c.deliver(inboundMsg{opcode: f.Opcode, payload: f.Payload}) {
					return
				}
				continue
			}
			assembling, op = true, f.Opcode
			msg = append([]byte(nil), f.Payload...)
		case protocol.OpcodeContinuation:
			if !assembling {
				c.reportReadErr(fmt.Errorf("%w: unexpected continuation frame", protocol.ErrProtocol))
				return
			}
			if len(msg)+len(f.Payload) > protocol.MaxFramePayload {
				c.reportReadErr(protocol.ErrFrameTooLarge)
				return
			}
			msg = append(msg, f.Payload...)
			if f.IsFinal {
				if !c.deliver(inboundMsg{opcode: op, payload: msg}) {
					return
				}
				assembling, msg = false, nil
			}
		}
	}
}

func (c *Conn) deliver(m inboundMsg) bool {
	select {
	case c.inbound <- m:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) reportReadErr(err error) {
	var wrapped error
	switch {
	case errors.Is(err, protocol.ErrProtocol), errors.Is(err, protocol.ErrFrameTooLarge):
		wrapped = api.WrapError(api.ErrCodeProtocol, "protocol error", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		wrapped = api.WrapError(api.ErrCodeConnect, "connection closed without close frame", err)
	default:
		wrapped = api.WrapError(api.ErrCodeConnect, "read", err)
	}
	select {
	case c.readErr <- wrapped:
	default:
	}
}

// File: protocol/frame.go
// Package protocol implements WebSocket frame encoding/decoding for the
// client side of a forwarding connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound frames are always masked and always final; inbound frames are
// validated against RFC 6455 before they reach the connection state machine.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrProtocol marks a peer violation of RFC 6455.
	ErrProtocol = errors.New("websocket protocol violation")

	// ErrFrameTooLarge marks a frame above MaxFramePayload.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum allowed size")
)

// WSFrame represents a decoded WebSocket frame.
type WSFrame struct {
	IsFinal    bool
	Opcode     byte
	Masked     bool
	PayloadLen int64
	MaskKey    [4]byte
	Payload    []byte
}

// IsControl reports whether opcode is a control opcode.
func IsControl(opcode byte) bool {
	return opcode&0x08 != 0
}

func knownOpcode(opcode byte) bool {
	switch opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return true
	}
	return false
}

// DecodeFrame reads exactly one frame from r. Frames sent by a server must be
// unmasked, must not set reserved bits and must respect control frame limits.
func DecodeFrame(r io.Reader) (*WSFrame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	isFin := hdr[0]&FinBit != 0
	opcode := hdr[0] & 0x0F
	isMasked := hdr[1]&MaskBit != 0
	payloadLen := int64(hdr[1] & 0x7F)

	if hdr[0]&RsvBits != 0 {
		return nil, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}
	if !knownOpcode(opcode) {
		return nil, fmt.Errorf("%w: unknown opcode 0x%x", ErrProtocol, opcode)
	}
	if isMasked {
		return nil, fmt.Errorf("%w: masked frame from server", ErrProtocol)
	}

	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		v := binary.BigEndian.Uint64(ext[:])
		if v>>63 != 0 {
			return nil, fmt.Errorf("%w: invalid payload length", ErrProtocol)
		}
		payloadLen = int64(v)
	}

	if IsControl(opcode) {
		if !isFin {
			return nil, fmt.Errorf("%w: fragmented control frame", ErrProtocol)
		}
		if payloadLen > MaxControlPayloadLen {
			return nil, fmt.Errorf("%w: control frame payload %d bytes", ErrProtocol, payloadLen)
		}
	}
	if payloadLen > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &WSFrame{
		IsFinal:    isFin,
		Opcode:     opcode,
		PayloadLen: payloadLen,
		Payload:    payload,
	}, nil
}

// NewMaskKey returns a random masking key.
func NewMaskKey() [4]byte {
	var key [4]byte
	_, _ = rand.Read(key[:])
	return key
}

// AppendFrame appends a final, masked frame carrying payload to dst and
// returns the extended slice. payload is not modified.
func AppendFrame(dst []byte, opcode byte, payload []byte, maskKey [4]byte) []byte {
	plen := len(payload)
	var hdr [MaxFrameHeaderLen]byte
	hdr[0] = FinBit | (opcode & 0x0F)
	n := 2
	switch {
	case plen <= 125:
		hdr[1] = byte(plen) | MaskBit
	case plen <= 0xFFFF:
		hdr[1] = 126 | MaskBit
		binary.BigEndian.PutUint16(hdr[2:], uint16(plen))
		n += 2
	default:
		hdr[1] = 127 | MaskBit
		binary.BigEndian.PutUint64(hdr[2:], uint64(plen))
		n += 8
	}
	copy(hdr[n:], maskKey[:])
	n += 4

	dst = append(dst, hdr[:n]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(dst[start:], maskKey)
	return dst
}

// maskBytes applies the RFC 6455 XOR mask in place.
func maskBytes(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i&3]
	}
}

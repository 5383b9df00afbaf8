// File: protocol/close.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"encoding/binary"
	"unicode/utf8"
)

// ParseClosePayload derives the status code and reason of a close frame:
//
//	0 bytes  -> no code, no reason
//	1 byte   -> 1002 (malformed), no reason
//	2 bytes  -> big-endian code, no reason
//	>2 bytes -> big-endian code, UTF-8 reason (nil when invalid)
func ParseClosePayload(p []byte) (code *uint16, reason *string) {
	switch len(p) {
	case 0:
		return nil, nil
	case 1:
		c := uint16(CloseProtocolError)
		return &c, nil
	}
	c := binary.BigEndian.Uint16(p[:2])
	if len(p) == 2 {
		return &c, nil
	}
	rest := p[2:]
	if !utf8.Valid(rest) {
		return &c, nil
	}
	r := string(rest)
	return &c, &r
}

// ClosePayload builds a close frame body. The reason is cut to fit the
// control frame limit without splitting a UTF-8 sequence.
func ClosePayload(code uint16, reason string) []byte {
	max := MaxControlPayloadLen - 2
	if len(reason) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, code)
	copy(p[2:], reason)
	return p
}

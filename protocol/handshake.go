// File: protocol/handshake.go
// Package protocol implements the client-side WebSocket handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Builds the RFC6455 HTTP Upgrade request with a generated
// Sec-WebSocket-Key and validates the server's 101 response.

package protocol

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Constants used for handshake processing.
const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	RequiredWebSocketVersion = "13"
)

// Errors for handshake validation.
var (
	ErrInvalidUpgradeHeaders = fmt.Errorf("invalid WebSocket upgrade headers")
	ErrBadAcceptKey          = fmt.Errorf("Sec-WebSocket-Accept mismatch")
)

// reservedHeaders are set by the handshake itself and cannot be overridden
// by caller-supplied endpoint headers.
var reservedHeaders = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, h := range []string{
		"Host", HeaderConnection, HeaderUpgrade,
		HeaderSecWebSocketKey, HeaderSecWebSocketVer, HeaderSecWebSocketAccept,
		"Sec-WebSocket-Extensions", "Content-Length", "Transfer-Encoding",
	} {
		m[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	return m
}()

// IsReservedHeader reports whether name is managed by the handshake.
func IsReservedHeader(name string) bool {
	_, ok := reservedHeaders[http.CanonicalHeaderKey(name)]
	return ok
}

// NewHandshakeKey returns a fresh base64-encoded 16-byte nonce.
func NewHandshakeKey() string {
	var nonce [16]byte
	_, _ = rand.Read(nonce[:])
	return base64.StdEncoding.EncodeToString(nonce[:])
}

// ComputeAcceptKey derives the Sec-WebSocket-Accept value for key.
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewHandshakeRequest builds the Upgrade request for u. Extra headers are
// merged in first so the protocol headers always win.
func NewHandshakeRequest(u *url.URL, extra http.Header, key string) *http.Request {
	target := *u
	switch target.Scheme {
	case "wss":
		target.Scheme = "https"
	default:
		target.Scheme = "http"
	}
	hdr := make(http.Header, len(extra)+4)
	for k, vs := range extra {
		if IsReservedHeader(k) {
			continue
		}
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}
	hdr.Set(HeaderUpgrade, "websocket")
	hdr.Set(HeaderConnection, "Upgrade")
	hdr.Set(HeaderSecWebSocketKey, key)
	hdr.Set(HeaderSecWebSocketVer, RequiredWebSocketVersion)

	return &http.Request{
		Method:     http.MethodGet,
		URL:        &target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     hdr,
		Host:       u.Host,
	}
}

// WriteHandshakeRequest serializes the HTTP GET Upgrade request into w,
// using the provided http.Request. Ensures only the request-line path is used.
func WriteHandshakeRequest(w io.Writer, req *http.Request) error {
	req.RequestURI = ""
	return req.Write(w)
}

// ReadHandshakeResponse reads the server reply from br and validates it
// against key. br keeps any bytes the server sent after the response, so the
// caller must continue reading frames from it.
func ReadHandshakeResponse(br *bufio.Reader, req *http.Request, key string) (*http.Response, error) {
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("handshake read response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
		return nil, fmt.Errorf("handshake: unexpected status %s", resp.Status)
	}
	if !headerContainsToken(resp.Header, HeaderUpgrade, "websocket") ||
		!headerContainsToken(resp.Header, HeaderConnection, "upgrade") {
		return nil, ErrInvalidUpgradeHeaders
	}
	if resp.Header.Get(HeaderSecWebSocketAccept) != ComputeAcceptKey(key) {
		return nil, ErrBadAcceptKey
	}
	return resp, nil
}

// headerContainsToken checks if the specified header contains the token,
// case-insensitive.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// File: client/endpoint.go
// Package client drives one outbound WebSocket forwarding connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/momentics/wsfork/api"
	"github.com/momentics/wsfork/protocol"
)

// Endpoint is a validated ws/wss target plus extra handshake headers.
type Endpoint struct {
	URL    *url.URL
	Header http.Header
}

// ParseEndpoint validates raw and headers. Problems are reported as
// api.ErrCodeConfiguration errors so Start can reject them synchronously.
func ParseEndpoint(raw string, headers map[string]string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, api.WrapError(api.ErrCodeConfiguration, "invalid endpoint url", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return Endpoint{}, api.NewError(api.ErrCodeConfiguration,
			fmt.Sprintf("unsupported endpoint scheme %q", u.Scheme))
	}
	if u.Hostname() == "" {
		return Endpoint{}, api.NewError(api.ErrCodeConfiguration, "endpoint url has no host")
	}
	if u.User != nil {
		return Endpoint{}, api.NewError(api.ErrCodeConfiguration, "endpoint url must not carry credentials")
	}
	u.Fragment = ""

	hdr := make(http.Header, len(headers))
	for k, v := range headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return Endpoint{}, api.NewError(api.ErrCodeConfiguration,
				fmt.Sprintf("invalid header name %q", k))
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return Endpoint{}, api.NewError(api.ErrCodeConfiguration,
				fmt.Sprintf("invalid value for header %q", k))
		}
		if protocol.IsReservedHeader(k) {
			return Endpoint{}, api.NewError(api.ErrCodeConfiguration,
				fmt.Sprintf("header %q is managed by the handshake", k))
		}
		hdr.Set(k, v)
	}
	return Endpoint{URL: u, Header: hdr}, nil
}

// Secure reports whether the endpoint requires TLS.
func (e Endpoint) Secure() bool {
	return e.URL.Scheme == "wss"
}

// Address returns host:port, filling in the scheme's default port.
func (e Endpoint) Address() string {
	port := e.URL.Port()
	if port == "" {
		port = "80"
		if e.Secure() {
			port = "443"
		}
	}
	return net.JoinHostPort(e.URL.Hostname(), port)
}

func (e Endpoint) String() string {
	if e.URL == nil {
		return ""
	}
	return e.URL.Redacted()
}

// File: api/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared API-level type declarations, DTOs, and constants.

package api

import (
	"fmt"
	"strings"
	"time"
)

// DefaultForkKey is used when a command omits the fork key.
const DefaultForkKey = "wsfork"

// ChannelMix selects which call legs are forwarded.
type ChannelMix int

const (
	// MixMono forwards the read (inbound) leg only.
	MixMono ChannelMix = iota
	// MixMixed forwards read and write legs summed into one channel.
	MixMixed
	// MixStereo forwards read and write legs as interleaved stereo.
	MixStereo
)

func (m ChannelMix) String() string {
	switch m {
	case MixMixed:
		return "mixed"
	case MixStereo:
		return "stereo"
	default:
		return "mono"
	}
}

// Channels returns the number of interleaved channels in a forwarded frame.
func (m ChannelMix) Channels() int {
	if m == MixStereo {
		return 2
	}
	return 1
}

// ParseChannelMix accepts "mono", "mixed" or "stereo"; empty means mono.
func ParseChannelMix(s string) (ChannelMix, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mono":
		return MixMono, nil
	case "mixed":
		return MixMixed, nil
	case "stereo":
		return MixStereo, nil
	}
	return MixMono, fmt.Errorf("%w: unknown channel mix %q", ErrInvalidArgument, s)
}

// Key identifies one forward of one call.
type Key struct {
	Session string
	Fork    string
}

// NewKey builds a Key, defaulting the fork.
func NewKey(session, fork string) Key {
	if fork == "" {
		fork = DefaultForkKey
	}
	return Key{Session: session, Fork: fork}
}

func (k Key) String() string {
	return k.Session + "/" + k.Fork
}

// SessionInfo is a point-in-time description of a forwarding session.
type SessionInfo struct {
	Session   string    `json:"session"`
	Fork      string    `json:"fork"`
	URL       string    `json:"url"`
	Mix       string    `json:"mix"`
	State     string    `json:"state"`
	Paused    bool      `json:"paused"`
	Forwarded uint64    `json:"frames_forwarded"`
	Dropped   uint64    `json:"frames_dropped"`
	StartedAt time.Time `json:"started_at"`
}

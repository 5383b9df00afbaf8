// File: mediatap/tap.go
// Package mediatap defines the contract between a call-processing engine and
// a per-frame audio tap, plus an in-process engine simulator.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The engine invokes a Callback on its realtime thread once per packetization
// interval. Callbacks must never block on the network.

package mediatap

import (
	"fmt"
	"time"

	"github.com/momentics/wsfork/api"
)

// Flags select which legs of a call a tap observes.
type Flags uint8

const (
	// ReadStream is the audio received from the far end.
	ReadStream Flags = 1 << iota
	// WriteStream is the audio sent to the far end.
	WriteStream
	// Stereo interleaves read (left) and write (right) instead of summing.
	Stereo
)

// FlagsFor maps a channel mix to tap flags.
func FlagsFor(mix api.ChannelMix) Flags {
	switch mix {
	case api.MixMixed:
		return ReadStream | WriteStream
	case api.MixStereo:
		return ReadStream | WriteStream | Stereo
	default:
		return ReadStream
	}
}

func (f Flags) String() string {
	switch {
	case f&Stereo != 0:
		return "stereo"
	case f&(ReadStream|WriteStream) == ReadStream|WriteStream:
		return "mixed"
	case f&WriteStream != 0:
		return "write"
	default:
		return "read"
	}
}

// BytesPerSample of the signed 16-bit little-endian PCM the engine delivers.
const BytesPerSample = 2

// AudioFormat describes one leg of a call.
type AudioFormat struct {
	SampleRate     int
	Channels       int
	BytesPerPacket int
	PacketInterval time.Duration
}

// NewAudioFormat derives packet size for mono 16-bit audio.
func NewAudioFormat(sampleRate int, interval time.Duration) (AudioFormat, error) {
	if sampleRate <= 0 || interval <= 0 {
		return AudioFormat{}, fmt.Errorf("%w: sample rate %d interval %s", api.ErrInvalidArgument, sampleRate, interval)
	}
	samples := int(int64(sampleRate) * int64(interval) / int64(time.Second))
	if samples == 0 {
		return AudioFormat{}, fmt.Errorf("%w: interval %s too short for %d Hz", api.ErrInvalidArgument, interval, sampleRate)
	}
	return AudioFormat{
		SampleRate:     sampleRate,
		Channels:       1,
		BytesPerPacket: samples * BytesPerSample,
		PacketInterval: interval,
	}, nil
}

// SamplesPerPacket returns the per-leg sample count of one packet.
func (f AudioFormat) SamplesPerPacket() int {
	if f.Channels <= 0 {
		return f.BytesPerPacket / BytesPerSample
	}
	return f.BytesPerPacket / (BytesPerSample * f.Channels)
}

// FrameSize is the number of bytes one tap read yields under flags. Stereo
// frames are twice the mono size.
func (f AudioFormat) FrameSize(flags Flags) int {
	if flags&Stereo != 0 {
		return f.BytesPerPacket * 2
	}
	return f.BytesPerPacket
}

// FrameReader yields the current packet to a tap.
type FrameReader interface {
	// ReadFrame copies one frame into dst and returns its length.
	ReadFrame(dst []byte) (int, error)
}

// Callback receives tap events on the engine's realtime thread.
type Callback interface {
	// OnInit runs once before the first read.
	OnInit(format AudioFormat)
	// OnRead runs once per packet. Returning false detaches the tap.
	OnRead(r FrameReader) bool
	// OnClose runs once when the tap is detached, for any reason.
	OnClose()
}

// Engine is the host surface a forwarding session needs.
type Engine interface {
	// ReadFormat reports the current audio format of a call.
	ReadFormat(callID string) (AudioFormat, error)
	// AttachTap installs cb on a call under name.
	AttachTap(callID, name string, flags Flags, cb Callback) error
}

// File: mediatap/source.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package mediatap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// Source produces both legs of a simulated call, one packet at a time.
type Source interface {
	// Next fills read and write with the next packet of each leg.
	Next(read, write []int16) error
	Close() error
}

// SilenceSource yields zeros forever.
type SilenceSource struct{}

func (SilenceSource) Next(read, write []int16) error {
	clear(read)
	clear(write)
	return nil
}

func (SilenceSource) Close() error { return nil }

// ToneSource yields a sine on each leg.
type ToneSource struct {
	sampleRate float64
	readHz     float64
	writeHz    float64
	amplitude  float64
	n          uint64
}

// NewToneSource returns a 440 Hz / 660 Hz tone pair at sampleRate.
func NewToneSource(sampleRate int) *ToneSource {
	return &ToneSource{
		sampleRate: float64(sampleRate),
		readHz:     440,
		writeHz:    660,
		amplitude:  8000,
	}
}

func (t *ToneSource) Next(read, write []int16) error {
	for i := range read {
		x := float64(t.n+uint64(i)) / t.sampleRate
		read[i] = int16(t.amplitude * math.Sin(2*math.Pi*t.readHz*x))
		if i < len(write) {
			write[i] = int16(t.amplitude * math.Sin(2*math.Pi*t.writeHz*x))
		}
	}
	t.n += uint64(len(read))
	return nil
}

func (t *ToneSource) Close() error { return nil }

// MP3Source decodes an MP3 stream. The left channel is the read leg and the
// right channel the write leg. At end of stream Next returns io.EOF unless
// Loop is set and the underlying reader can seek.
type MP3Source struct {
	Loop bool

	dec    *mp3.Decoder
	src    io.ReadCloser
	buf    []byte
	closed bool
}

// NewMP3Source wraps r. The decoder output is 16-bit stereo at dec rate.
func NewMP3Source(r io.ReadCloser) (*MP3Source, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mp3 decoder: %w", err)
	}
	return &MP3Source{dec: dec, src: r}, nil
}

// OpenMP3 opens path as an MP3Source.
func OpenMP3(path string) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewMP3Source(f)
}

// SampleRate returns the decoded sample rate.
func (m *MP3Source) SampleRate() int { return m.dec.SampleRate() }

func (m *MP3Source) Next(read, write []int16) error {
	if m.closed {
		return io.ErrClosedPipe
	}
	need := len(read) * 4
	if cap(m.buf) < need {
		m.buf = make([]byte, need)
	}
	buf := m.buf[:need]
	n, err := io.ReadFull(m.dec, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if m.Loop {
			if _, serr := m.dec.Seek(0, io.SeekStart); serr == nil && n == 0 {
				n, err = io.ReadFull(m.dec, buf)
			}
		}
	}
	if n == 0 && err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return err
	}
	clear(buf[n:])
	for i := range read {
		read[i] = int16(binary.LittleEndian.Uint16(buf[i*4:]))
		if i < len(write) {
			write[i] = int16(binary.LittleEndian.Uint16(buf[i*4+2:]))
		}
	}
	return nil
}

func (m *MP3Source) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.src.Close()
}

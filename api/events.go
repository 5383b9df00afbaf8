// File: api/events.go
// Package api defines the notification events emitted by a forwarding session.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "sync"

// EventType tags a notification.
type EventType string

const (
	EventConnected EventType = "CONNECT"
	EventMessage   EventType = "MESSAGE"
	EventClosed    EventType = "DISCONNECT"
	EventError     EventType = "ERROR"
)

// Terminal reports whether no further events follow this one.
func (t EventType) Terminal() bool {
	return t == EventClosed || t == EventError
}

// Event is one lifecycle notification of a forwarding session.
// A session emits Connected, any number of Message, then exactly one
// Closed or Error. A failed connect emits only Error.
type Event struct {
	Session string    `json:"session"`
	Fork    string    `json:"fork,omitempty"`
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Code    *uint16   `json:"code,omitempty"`
	Reason  *string   `json:"reason,omitempty"`
	Desc    string    `json:"desc,omitempty"`
}

// ConnectedEvent builds a Connected notification.
func ConnectedEvent() Event { return Event{Type: EventConnected} }

// MessageEvent builds a Message notification.
func MessageEvent(content string) Event { return Event{Type: EventMessage, Content: content} }

// ClosedEvent builds a Closed notification.
func ClosedEvent(code *uint16, reason *string) Event {
	return Event{Type: EventClosed, Code: code, Reason: reason}
}

// ErrorEvent builds an Error notification.
func ErrorEvent(desc string) Event { return Event{Type: EventError, Desc: desc} }

// NotificationSink receives session events. Notify may be called from the
// session's async task and must not block for long.
type NotificationSink interface {
	Notify(ev Event)
}

// SinkFunc adapts a function to NotificationSink.
type SinkFunc func(ev Event)

// Notify implements NotificationSink.
func (f SinkFunc) Notify(ev Event) { f(ev) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []NotificationSink

// Notify implements NotificationSink.
func (m MultiSink) Notify(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Notify(ev)
		}
	}
}

// TaggedSink stamps session and fork keys on every event before forwarding.
type TaggedSink struct {
	Session string
	Fork    string
	Next    NotificationSink
}

// Notify implements NotificationSink.
func (t TaggedSink) Notify(ev Event) {
	if t.Next == nil {
		return
	}
	ev.Session = t.Session
	ev.Fork = t.Fork
	t.Next.Notify(ev)
}

// Recorder is a NotificationSink that keeps every event, for tests and
// diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

// NewRecorder creates a Recorder that also publishes to a buffered channel.
func NewRecorder(buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	return &Recorder{ch: make(chan Event, buffer)}
}

// Notify implements NotificationSink.
func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// C returns the live event channel.
func (r *Recorder) C() <-chan Event {
	return r.ch
}

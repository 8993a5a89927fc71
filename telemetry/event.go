// Package telemetry carries session lifecycle events from the listener and
// the SMTP state machine to logs, metrics and an on-disk journal.
package telemetry

import (
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventSessionStart
	EventSessionEnd
	EventConcurrencyLimitExceeded
	EventBlocked
	EventRateLimited
	EventTLSHandshakeError
	EventACMEChallenge
	EventSessionPanic
	EventMissingLocalHostname
	EventConnectRejected
	EventEhlo
	EventInvalidEhlo
	EventSPFEhloResult
	EventSPFMailFromResult
	EventScriptReject
	EventMilterReject
	EventHookReject
	EventTransferLimitExceeded
	EventTimeLimitExceeded
	EventLoiterBan
	EventTimeout
	EventClosed
	EventShuttingDown
	EventStartTLS
	EventAuthSuccess
	EventAuthFailed
	EventMailFrom
	EventRcptTo
	EventMessageAccepted
	EventMessageRejected
	EventTooManyErrors
	eventTypeCount
)

var eventNames = [...]string{
	EventUnknown:                  "unknown",
	EventSessionStart:             "session-start",
	EventSessionEnd:               "session-end",
	EventConcurrencyLimitExceeded: "concurrency-limit-exceeded",
	EventBlocked:                  "blocked",
	EventRateLimited:              "rate-limited",
	EventTLSHandshakeError:        "tls-handshake-error",
	EventACMEChallenge:            "acme-challenge",
	EventSessionPanic:             "session-panic",
	EventMissingLocalHostname:     "missing-local-hostname",
	EventConnectRejected:          "connect-rejected",
	EventEhlo:                     "ehlo",
	EventInvalidEhlo:              "invalid-ehlo",
	EventSPFEhloResult:            "spf-ehlo",
	EventSPFMailFromResult:        "spf-mail-from",
	EventScriptReject:             "script-reject",
	EventMilterReject:             "milter-reject",
	EventHookReject:               "hook-reject",
	EventTransferLimitExceeded:    "transfer-limit-exceeded",
	EventTimeLimitExceeded:        "time-limit-exceeded",
	EventLoiterBan:                "loiter-ban",
	EventTimeout:                  "timeout",
	EventClosed:                   "closed",
	EventShuttingDown:             "shutting-down",
	EventStartTLS:                 "starttls",
	EventAuthSuccess:              "auth-success",
	EventAuthFailed:               "auth-failed",
	EventMailFrom:                 "mail-from",
	EventRcptTo:                   "rcpt-to",
	EventMessageAccepted:          "message-accepted",
	EventMessageRejected:          "message-rejected",
	EventTooManyErrors:            "too-many-errors",
}

func (t EventType) String() string {
	if t < eventTypeCount {
		return eventNames[t]
	}
	return eventNames[EventUnknown]
}

// Event is one telemetry record. Unused fields are left zero.
type Event struct {
	Type       EventType
	Time       time.Time
	ListenerID string
	LocalPort  uint16
	RemoteIP   string
	RemotePort uint16
	SessionID  string
	Elapsed    time.Duration
	Domain     string
	Reason     string
	Result     string
}

// Sink receives events. Emit must not block the caller.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

type multi []Sink

func (m multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Multi fans an event out to every sink in order. Events without a
// timestamp are stamped once before fan-out.
func Multi(sinks ...Sink) Sink {
	m := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return SinkFunc(func(ev Event) {
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		m.Emit(ev)
	})
}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

// Has reports whether an event of type t was recorded.
func (r *Recorder) Has(t EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

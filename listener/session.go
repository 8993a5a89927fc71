package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/synqronlabs/mxgate/telemetry"
)

// SessionResult tells the dispatcher how a protocol step ended.
type SessionResult int

const (
	SessionContinue SessionResult = iota
	SessionClose
	SessionUpgradeTLS
)

// SessionData describes an admitted connection.
type SessionData struct {
	Stream     Stream
	LocalIP    netip.Addr
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	Protocol   Protocol
	SessionID  string
	Permit     *InFlight
	Instance   *Instance

	// admit resolves the addresses and vets the peer before anything is
	// sent. A false return ends the session silently.
	admit func(*SessionData) bool
}

// SessionManager runs protocol sessions.
type SessionManager interface {
	// Handle drives one session until it ends. It owns the stream for the
	// duration of the call.
	Handle(ctx context.Context, session *SessionData)
	// Shutdown stops the manager's background workers. Running sessions
	// are not interrupted.
	Shutdown(ctx context.Context)
}

func (s *SessionData) event(t telemetry.EventType) telemetry.Event {
	return telemetry.Event{
		Type:       t,
		Time:       time.Now(),
		ListenerID: s.Instance.ID,
		LocalPort:  s.LocalPort,
		RemoteIP:   s.RemoteIP.String(),
		RemotePort: s.RemotePort,
		SessionID:  s.SessionID,
	}
}

// Run secures the session if isTLS is set, then hands it to manager,
// emitting start before and end after. The permit is released and the
// stream closed on every path.
func Run(ctx context.Context, manager SessionManager, session *SessionData, isTLS bool, acme ACMEResponder, start, end telemetry.EventType) {
	inst := session.Instance
	defer session.Permit.Release()
	defer func() { _ = session.Stream.Close() }()
	defer func() {
		if r := recover(); r != nil {
			inst.Logger.Error("panic recovered",
				slog.String("conn_id", session.SessionID),
				slog.Any("panic", r),
			)
			ev := session.event(telemetry.EventSessionPanic)
			ev.Reason = fmt.Sprint(r)
			inst.Sink.Emit(ev)
		}
	}()

	if session.admit != nil && !session.admit(session) {
		return
	}

	if isTLS {
		res := inst.Acceptor.Accept(ctx, session.Stream, acme)
		switch res.Kind {
		case AcceptTLS:
			stream, err := res.Handshake(ctx)
			if err != nil {
				ev := session.event(telemetry.EventTLSHandshakeError)
				ev.Reason = err.Error()
				inst.Sink.Emit(ev)
				return
			}
			session.Stream = stream
		case AcceptPlain:
			session.Stream = res.Stream()
		case AcceptClose:
			if res.Err != nil {
				t := telemetry.EventTLSHandshakeError
				if errors.Is(res.Err, ErrACMEChallenge) {
					t = telemetry.EventACMEChallenge
				}
				ev := session.event(t)
				ev.Reason = res.Err.Error()
				inst.Sink.Emit(ev)
			}
			return
		}
	}

	session.SessionID = inst.IDs.Next().String()
	inst.Sink.Emit(session.event(start))

	began := time.Now()
	manager.Handle(ctx, session)

	ev := session.event(end)
	ev.Elapsed = time.Since(began)
	inst.Sink.Emit(ev)
}

// Spawn runs the session on a new goroutine. onDone, if set, is called
// when it has finished, just before the returned channel closes.
func Spawn(ctx context.Context, manager SessionManager, session *SessionData, isTLS bool, acme ACMEResponder, start, end telemetry.EventType, onDone func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if onDone != nil {
			defer onDone()
		}
		Run(ctx, manager, session, isTLS, acme, start, end)
	}()
	return done
}

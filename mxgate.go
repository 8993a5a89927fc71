// Package mxgate is the SMTP front-end of a mail server: it drives each
// accepted connection through greeting, EHLO negotiation, the filter
// pipeline and the command loop, handing finished messages to a queue.
//
// # Quick Start
//
//	core := &mxgate.Core{
//	    Policy:    mxgate.DefaultPolicy("mx.example.com"),
//	    Deliverer: queue,
//	    Logger:    logger,
//	}
//	srv, _ := listener.NewServer(listener.ServerConfig{Manager: mxgate.NewManager(core)})
//	inst := listener.NewInstance("smtp", listener.ProtocolSMTP, listener.Plain{}, nil, ctx)
//	_ = srv.Bind(inst, ":25")
//	err := srv.Serve(ctx)
//
// # Filters
//
// Every stage (connect, ehlo, mail, rcpt, data) runs the configured policy
// script, then the milters, then the HTTP hooks. The first rejection wins
// and its literal reply is sent to the client.
package mxgate

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/synqronlabs/mxgate/abuse"
	"github.com/synqronlabs/mxgate/filter"
	"github.com/synqronlabs/mxgate/listener"
	"github.com/synqronlabs/mxgate/policy"
	"github.com/synqronlabs/mxgate/spf"
	"github.com/synqronlabs/mxgate/telemetry"
)

// Message is an accepted message handed to the queue.
type Message struct {
	SessionID  string
	Listener   string
	RemoteIP   netip.Addr
	HeloDomain string
	AuthAs     string
	From       Path
	Recipients []Recipient
	BodyType   BodyType
	SMTPUTF8   bool
	RequireTLS bool
	EnvID      string
	Ret        string
	// Raw is the message with the trace headers prepended.
	Raw        []byte
	ReceivedAt time.Time
}

// Deliverer accepts messages into the queue and returns the queue id.
type Deliverer interface {
	Deliver(ctx context.Context, msg *Message) (string, error)
}

// DelivererFunc adapts a function to a Deliverer.
type DelivererFunc func(ctx context.Context, msg *Message) (string, error)

func (f DelivererFunc) Deliver(ctx context.Context, msg *Message) (string, error) {
	return f(ctx, msg)
}

// Authenticator verifies AUTH credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, mechanism, identity, password string) (bool, error)
}

// Core holds the collaborators shared by every session. It is read-only
// once the first session starts.
type Core struct {
	Policy *Policy
	// SPF is nil when no resolver is configured; checks are then skipped.
	SPF           *spf.Verifier
	Scripts       policy.ScriptRunner
	Filters       []filter.Filter
	Deliverer     Deliverer
	Authenticator Authenticator
	// RateLimiter bounds new connections per remote address.
	RateLimiter *abuse.RateLimiter
	LoiterBan   *abuse.LoiterBan
	// Journal is stopped with the manager.
	Journal *telemetry.Journal
	Logger  *slog.Logger
}

// Manager runs SMTP sessions for the listener package.
type Manager struct {
	core *Core
	once sync.Once
}

var _ listener.SessionManager = (*Manager)(nil)

// NewManager creates a session manager. Missing collaborators get
// defaults.
func NewManager(core *Core) *Manager {
	if core.Policy == nil {
		core.Policy = DefaultPolicy("")
	}
	if core.Logger == nil {
		core.Logger = slog.Default()
	}
	return &Manager{core: core}
}

// Core returns the shared collaborators.
func (m *Manager) Core() *Core { return m.core }

// Handle drives one SMTP session to completion.
func (m *Manager) Handle(ctx context.Context, data *listener.SessionData) {
	s := newSession(m.core, data)
	if !s.IsAllowed() || !s.InitConn(ctx) {
		return
	}
	if !s.HandleConn(ctx) || !s.inst.Acceptor.IsTLS() {
		return
	}
	tlsSession, err := s.IntoTLS(ctx)
	if err != nil {
		return
	}
	tlsSession.HandleConn(ctx)
}

// Shutdown stops the background workers owned by the core. Running
// sessions finish on their own after observing the listener's shutdown
// signal.
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		if m.core.RateLimiter != nil {
			m.core.RateLimiter.Close()
		}
		if m.core.LoiterBan != nil {
			m.core.LoiterBan.Close()
		}
		if m.core.Journal != nil {
			if err := m.core.Journal.Stop(ctx); err != nil {
				m.core.Logger.Warn("journal stop", slog.Any("error", err))
			}
		}
	})
}

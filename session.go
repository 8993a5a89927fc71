package mxgate

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/synqronlabs/mxgate/filter"
	mxio "github.com/synqronlabs/mxgate/io"
	"github.com/synqronlabs/mxgate/listener"
	"github.com/synqronlabs/mxgate/policy"
	"github.com/synqronlabs/mxgate/sasl"
	"github.com/synqronlabs/mxgate/spf"
	"github.com/synqronlabs/mxgate/telemetry"
)

// State is the dialogue phase of a session (RFC 5321 Section 4.1.4).
type State int

const (
	// StatePreGreeting lasts until the first accepted EHLO/HELO.
	StatePreGreeting State = iota
	// StateGreeted accepts MAIL, AUTH, STARTTLS and another EHLO.
	StateGreeted
	// StateMail holds a sender and no recipients.
	StateMail
	// StateRcpt holds a sender and at least one recipient.
	StateRcpt
	// StateData is reading a dot-terminated message body.
	StateData
	// StateBdat is reading a counted chunk.
	StateBdat
	// StateAuth is inside a SASL exchange.
	StateAuth
)

func (s State) String() string {
	switch s {
	case StatePreGreeting:
		return "PRE-GREETING"
	case StateGreeted:
		return "GREETED"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateData:
		return "DATA"
	case StateBdat:
		return "BDAT"
	case StateAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

// BodyType is the BODY parameter of MAIL FROM (RFC 6152, RFC 3030).
type BodyType string

const (
	BodyType7Bit       BodyType = "7BIT"
	BodyType8BitMIME   BodyType = "8BITMIME"
	BodyTypeBinaryMIME BodyType = "BINARYMIME"
)

// MailFrom is the accepted reverse-path and its parameters.
type MailFrom struct {
	Path       Path
	Params     map[string]string
	BodyType   BodyType
	Size       int64
	SMTPUTF8   bool
	RequireTLS bool
	EnvID      string
	Ret        string
}

// Recipient is an accepted forward-path.
type Recipient struct {
	Path   Path
	Notify []string
	ORcpt  string
}

// Transaction is the mutable per-session data.
type Transaction struct {
	HeloDomain  string
	MailFrom    *MailFrom
	Recipients  []Recipient
	SPFEhlo     *spf.Output
	SPFMailFrom *spf.Output
	AuthAs      string
	Messages    int
}

// Session is one SMTP connection. It is owned by a single goroutine.
type Session struct {
	core   *Core
	inst   *listener.Instance
	data   *listener.SessionData
	stream listener.Stream
	logger *slog.Logger

	Hostname   string
	State      State
	Params     SessionParams
	Txn        Transaction
	ValidUntil time.Time
	BytesLeft  int64

	// ingest state
	out              bytes.Buffer
	lines            *mxio.LineBuffer
	body             *mxio.DataReader
	chunk            *mxio.ChunkReader
	bdatLast         bool
	bdatBuf          []byte
	bdatDiscardReply string
	auth             sasl.Mechanism
	resume           State // restored after AUTH or a discarded chunk
	errors           int
}

func newSession(core *Core, data *listener.SessionData) *Session {
	logger := core.Logger.With(
		slog.String("conn_id", data.SessionID),
		slog.String("listener", data.Instance.ID),
		slog.String("remote", data.RemoteIP.String()),
	)
	return &Session{
		core:   core,
		inst:   data.Instance,
		data:   data,
		stream: data.Stream,
		logger: logger,
		lines:  mxio.NewLineBuffer(maxCommandLine),
	}
}

// maxCommandLine bounds a command line including CRLF. AUTH initial
// responses need more than the 512 octets of RFC 5321.
const maxCommandLine = 4096

// IsTLS reports whether the stream is encrypted.
func (s *Session) IsTLS() bool { return s.stream.IsTLS() }

// IsAuthenticated reports whether AUTH succeeded.
func (s *Session) IsAuthenticated() bool { return s.Txn.AuthAs != "" }

func (s *Session) policyContext() *policy.Context {
	ctx := &policy.Context{
		Listener:      s.inst.ID,
		Protocol:      s.data.Protocol.String(),
		LocalIP:       s.data.LocalIP,
		LocalPort:     s.data.LocalPort,
		RemoteIP:      s.data.RemoteIP,
		RemotePort:    s.data.RemotePort,
		TLS:           s.IsTLS(),
		Authenticated: s.IsAuthenticated(),
		HeloDomain:    s.Txn.HeloDomain,
	}
	if s.Txn.MailFrom != nil {
		ctx.Sender = s.Txn.MailFrom.Path.Mailbox.String()
	}
	return ctx
}

func (s *Session) envelope() *filter.Envelope {
	env := &filter.Envelope{
		SessionID:  s.data.SessionID,
		Listener:   s.inst.ID,
		LocalPort:  s.data.LocalPort,
		RemoteIP:   s.data.RemoteIP,
		RemotePort: s.data.RemotePort,
		Hostname:   s.Hostname,
		HeloDomain: s.Txn.HeloDomain,
		TLS:        s.IsTLS(),
		AuthAs:     s.Txn.AuthAs,
	}
	if mf := s.Txn.MailFrom; mf != nil {
		env.Sender = mf.Path.Mailbox.String()
		for k, v := range mf.Params {
			if v != "" {
				k += "=" + v
			}
			env.SenderArgs = append(env.SenderArgs, k)
		}
	}
	for _, r := range s.Txn.Recipients {
		env.Recipients = append(env.Recipients, r.Path.Mailbox.String())
	}
	return env
}

func (s *Session) event(t telemetry.EventType) telemetry.Event {
	return telemetry.Event{
		Type:       t,
		Time:       time.Now(),
		ListenerID: s.inst.ID,
		LocalPort:  s.data.LocalPort,
		RemoteIP:   s.data.RemoteIP.String(),
		RemotePort: s.data.RemotePort,
		SessionID:  s.data.SessionID,
	}
}

func (s *Session) emit(ev telemetry.Event) {
	s.inst.Sink.Emit(ev)
}

// reply queues a reply; flush sends everything queued.
func (s *Session) reply(r string) {
	s.out.WriteString(r)
}

func (s *Session) flush() error {
	if s.out.Len() == 0 {
		return nil
	}
	_ = s.stream.SetWriteDeadline(time.Now().Add(s.Params.Timeout))
	_, err := s.stream.Write(s.out.Bytes())
	s.out.Reset()
	if err != nil {
		s.logger.Debug("write failed", slog.Any("error", err))
	}
	return err
}

// write sends r immediately, together with anything queued before it.
func (s *Session) write(r string) error {
	s.reply(r)
	return s.flush()
}

// resetTransaction drops the sender, the recipients and any body in
// progress. The EHLO domain and authentication survive.
func (s *Session) resetTransaction() {
	s.Txn.MailFrom = nil
	s.Txn.Recipients = nil
	s.Txn.SPFMailFrom = nil
	s.body = nil
	s.chunk = nil
	s.bdatBuf = nil
	s.bdatLast = false
	s.bdatDiscardReply = ""
	if s.State > StateGreeted {
		s.State = StateGreeted
	}
}

// IsAllowed applies the per-address connection rate.
func (s *Session) IsAllowed() bool {
	if s.core.RateLimiter == nil || s.core.RateLimiter.Allow(s.data.RemoteIP) {
		return true
	}
	s.emit(s.event(telemetry.EventRateLimited))
	s.logger.Warn("connection rate exceeded")
	s.Params.Timeout = DefaultTimeout
	_ = s.write(replyRateLimited)
	return false
}

// InitConn evaluates the session parameters, runs the connect stage and
// sends the greeting. It returns false when the session must end.
func (s *Session) InitConn(ctx context.Context) bool {
	pctx := s.policyContext()
	s.Params = s.core.Policy.EvalSessionParams(pctx)
	s.ValidUntil = time.Now().Add(s.Params.Duration)
	s.BytesLeft = s.Params.TransferLimit

	if reject := s.runFilters(ctx, filter.StageConnect, s.core.Policy.Scripts.Connect, nil); reject != "" {
		s.emit(s.event(telemetry.EventConnectRejected))
		_ = s.write(reject)
		return false
	}

	s.Hostname = policy.Or(s.core.Policy.Hostname, pctx, "")
	if s.Hostname == "" {
		s.emit(s.event(telemetry.EventMissingLocalHostname))
		s.Hostname = "localhost"
	}

	greeting := "220 " + s.Hostname + " ESMTP at your service.\r\n"
	if g := policy.Or(s.core.Policy.Greeting, pctx, ""); g != "" {
		greeting = "220 " + g + "\r\n"
	}
	s.logger.Info("client connected", slog.Bool("tls", s.IsTLS()))
	return s.write(greeting) == nil
}

// IntoTLS upgrades the stream after STARTTLS and returns the session
// that continues on it. Every other field carries over.
func (s *Session) IntoTLS(ctx context.Context) (*Session, error) {
	stream, err := listener.UpgradeTLS(ctx, s.inst.Acceptor, s.stream)
	if err != nil {
		ev := s.event(telemetry.EventTLSHandshakeError)
		ev.Reason = err.Error()
		s.emit(ev)
		s.logger.Warn("STARTTLS handshake failed", slog.Any("error", err))
		return nil, err
	}
	next := *s
	next.stream = stream
	next.data.Stream = stream
	next.out = bytes.Buffer{}
	next.lines = mxio.NewLineBuffer(maxCommandLine)
	version, cipher := stream.TLSVersionAndCipher()
	s.logger.Info("STARTTLS completed", slog.String("version", version), slog.String("cipher", cipher))
	return &next, nil
}

// remoteNetIP is the remote address in the form the SPF library takes.
func (s *Session) remoteNetIP() net.IP {
	return net.IP(s.data.RemoteIP.AsSlice())
}

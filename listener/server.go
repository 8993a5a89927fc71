package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mxgate/abuse"
	"github.com/synqronlabs/mxgate/telemetry"
	"github.com/synqronlabs/mxgate/utils"
)

// ErrServerClosed is returned by Serve after its context is cancelled.
var ErrServerClosed = errors.New("listener: server closed")

// ServerConfig holds the collaborators shared by every bound listener.
type ServerConfig struct {
	Manager SessionManager
	// BlockList closes matching remote addresses before any byte is sent.
	BlockList *abuse.BlockList
	// ACME answers TLS-ALPN-01 challenges on implicit TLS listeners.
	ACME ACMEResponder
	// ProxyHeaderTimeout bounds reading a PROXY header from a trusted
	// upstream. Defaults to 5 seconds.
	ProxyHeaderTimeout time.Duration
	Logger             *slog.Logger
}

type binding struct {
	inst *Instance
	ln   net.Listener
}

// Server runs the accept loops of a set of listener instances.
type Server struct {
	config ServerConfig

	mu       sync.Mutex
	bindings []binding
	wg       sync.WaitGroup
}

// NewServer creates a server. Manager is required.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Manager == nil {
		return nil, errors.New("listener: session manager is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ProxyHeaderTimeout == 0 {
		config.ProxyHeaderTimeout = 5 * time.Second
	}
	return &Server{config: config}, nil
}

// Bind opens a TCP listener for inst on every address.
func (s *Server) Bind(inst *Instance, addrs ...string) error {
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listener: bind %s: %w", addr, err)
		}
		s.Attach(inst, ln)
	}
	return nil
}

// Attach serves inst on an already open listener. When the instance trusts
// proxy networks, ln is wrapped to decode PROXY protocol headers from them.
func (s *Server) Attach(inst *Instance, ln net.Listener) {
	if len(inst.ProxyNetworks) > 0 {
		trusted := inst.ProxyNetworks
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: s.config.ProxyHeaderTimeout,
			Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
				ip, _, err := utils.AddrPort(upstream)
				if err != nil {
					return proxyproto.REJECT, err
				}
				for _, p := range trusted {
					if p.Contains(ip) {
						return proxyproto.USE, nil
					}
				}
				return proxyproto.IGNORE, nil
			},
		}
	}
	s.mu.Lock()
	s.bindings = append(s.bindings, binding{inst: inst, ln: ln})
	s.mu.Unlock()
}

// Addrs returns the bound addresses keyed by listener id.
func (s *Server) Addrs() map[string][]net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]net.Addr)
	for _, b := range s.bindings {
		out[b.inst.ID] = append(out[b.inst.ID], b.ln.Addr())
	}
	return out
}

// Serve accepts on every bound listener until ctx is cancelled, then
// closes them and returns ErrServerClosed. Running sessions are not
// interrupted; use Wait to drain them.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	bindings := append([]binding(nil), s.bindings...)
	s.mu.Unlock()
	if len(bindings) == 0 {
		return errors.New("listener: nothing bound")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range bindings {
		s.config.Logger.Info("listener started",
			slog.String("listener", b.inst.ID),
			slog.String("protocol", b.inst.Protocol.String()),
			slog.String("addr", b.ln.Addr().String()),
			slog.Bool("implicit_tls", ImplicitTLS(b.inst.Acceptor)),
		)
		g.Go(func() error { return s.acceptLoop(gctx, b) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, b := range bindings {
			_ = b.ln.Close()
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return ErrServerClosed
	}
	return err
}

// Close closes every bound listener. Listeners already closed by Serve
// are skipped.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, b := range s.bindings {
		if err := b.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) && first == nil {
			first = err
		}
	}
	return first
}

// Wait blocks until every dispatched session has finished or ctx expires.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ctx context.Context, b binding) error {
	var backoff time.Duration
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return net.ErrClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(backoff*2, 5*time.Millisecond), time.Second)
				time.Sleep(backoff)
				continue
			}
			s.config.Logger.Error("accept error",
				slog.String("listener", b.inst.ID),
				slog.Any("error", err),
			)
			continue
		}
		backoff = 0

		permit := b.inst.Limiter.TryAcquire()
		if permit == nil {
			s.reject(b.inst, conn, telemetry.EventConcurrencyLimitExceeded)
			continue
		}

		session := &SessionData{
			Stream:   NewPlainStream(conn),
			Protocol: b.inst.Protocol,
			Permit:   permit,
			Instance: b.inst,
			admit:    s.admit,
		}
		s.wg.Add(1)
		Spawn(context.WithoutCancel(ctx), s.config.Manager, session, ImplicitTLS(b.inst.Acceptor), s.config.ACME,
			telemetry.EventSessionStart, telemetry.EventSessionEnd, s.wg.Done)
	}
}

// reject closes conn without writing to it.
func (s *Server) reject(inst *Instance, conn net.Conn, t telemetry.EventType) {
	ev := telemetry.Event{Type: t, ListenerID: inst.ID}
	if ip, port, err := utils.AddrPort(conn.RemoteAddr()); err == nil {
		ev.RemoteIP, ev.RemotePort = ip.String(), port
	}
	if _, port, err := utils.AddrPort(conn.LocalAddr()); err == nil {
		ev.LocalPort = port
	}
	inst.Sink.Emit(ev)
	_ = conn.Close()
}

// admit fills in the session addresses and drops blocked peers. It runs
// on the session goroutine since reading a PROXY header may block.
func (s *Server) admit(session *SessionData) bool {
	inst, conn := session.Instance, session.Stream
	remoteIP, remotePort, err := utils.AddrPort(conn.RemoteAddr())
	if err != nil {
		inst.Logger.Warn("dropping connection",
			slog.String("listener", inst.ID),
			slog.Any("error", err),
		)
		return false
	}
	if s.config.BlockList.Blocked(remoteIP) {
		s.reject(inst, conn, telemetry.EventBlocked)
		return false
	}
	session.LocalIP, session.LocalPort, _ = utils.AddrPort(conn.LocalAddr())
	session.RemoteIP, session.RemotePort = remoteIP, remotePort
	return true
}

// NetworksFromStrings parses CIDR prefixes or bare addresses.
func NetworksFromStrings(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		if p, err := netip.ParsePrefix(v); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("listener: invalid network %q", v)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

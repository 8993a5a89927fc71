// Package listener accepts connections for a configured listener, admits
// them under a concurrency cap, secures them and hands each one to a
// protocol session manager on its own goroutine.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/synqronlabs/mxgate/telemetry"
	"github.com/synqronlabs/mxgate/utils"
)

// Protocol served by a listener.
type Protocol int

const (
	ProtocolSMTP Protocol = iota
	ProtocolLMTP
	ProtocolHTTP
	ProtocolIMAP
	ProtocolPOP3
	ProtocolManageSieve
)

var protocolNames = map[Protocol]string{
	ProtocolSMTP:        "smtp",
	ProtocolLMTP:        "lmtp",
	ProtocolHTTP:        "http",
	ProtocolIMAP:        "imap",
	ProtocolPOP3:        "pop3",
	ProtocolManageSieve: "managesieve",
}

func (p Protocol) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return "unknown"
}

// UnmarshalText parses a protocol name.
func (p *Protocol) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for k, v := range protocolNames {
		if v == name {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("listener: unknown protocol %q", text)
}

// Instance is one configured listener. It is shared read-only by all of
// its sessions.
type Instance struct {
	ID       string
	Protocol Protocol
	Acceptor Acceptor
	Limiter  *ConcurrencyLimiter
	// ProxyNetworks are upstreams trusted to send a PROXY protocol header.
	ProxyNetworks []netip.Prefix
	// Shutdown is cancelled once when the server stops. Sessions observe it
	// between reads.
	Shutdown context.Context
	IDs      *utils.IDGenerator
	Sink     telemetry.Sink
	Logger   *slog.Logger
}

// NewInstance creates an instance with a fresh id generator. A nil
// acceptor means Plain, a nil limiter means unlimited.
func NewInstance(id string, protocol Protocol, acceptor Acceptor, limiter *ConcurrencyLimiter, shutdown context.Context) *Instance {
	if acceptor == nil {
		acceptor = Plain{}
	}
	if limiter == nil {
		limiter = NewConcurrencyLimiter(0)
	}
	if shutdown == nil {
		shutdown = context.Background()
	}
	return &Instance{
		ID:       id,
		Protocol: protocol,
		Acceptor: acceptor,
		Limiter:  limiter,
		Shutdown: shutdown,
		IDs:      utils.NewIDGenerator(),
		Sink:     telemetry.Nop,
		Logger:   slog.Default(),
	}
}

// IsShuttingDown reports whether the shutdown signal has fired.
func (i *Instance) IsShuttingDown() bool {
	return i.Shutdown.Err() != nil
}

package listener

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"time"

	"golang.org/x/crypto/acme"
)

var (
	ErrNotTLS        = errors.New("listener: acceptor is not TLS")
	ErrACMEChallenge = errors.New("listener: ACME challenge answered")
	errHelloPeeked   = errors.New("listener: client hello peeked")
)

// ACMEResponder answers TLS-ALPN-01 challenges. *autocert.Manager
// satisfies it.
type ACMEResponder interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// Acceptor decides how a new connection is secured. It is either Plain or
// *TLS.
type Acceptor interface {
	IsTLS() bool
	// Accept prepares conn for a session. For TLS it may consume the
	// ClientHello to detect an ACME challenge.
	Accept(ctx context.Context, conn net.Conn, acme ACMEResponder) AcceptResult
	sealed()
}

// Plain accepts connections without encryption.
type Plain struct{}

func (Plain) IsTLS() bool { return false }
func (Plain) sealed()     {}

func (Plain) Accept(_ context.Context, conn net.Conn, _ ACMEResponder) AcceptResult {
	return AcceptResult{Kind: AcceptPlain, stream: NewPlainStream(conn)}
}

// TLS terminates TLS with Config. Implicit listeners handshake on connect;
// the others offer STARTTLS.
type TLS struct {
	Config           *tls.Config
	Implicit         bool
	HandshakeTimeout time.Duration
}

func (*TLS) IsTLS() bool { return true }
func (*TLS) sealed()     {}

func (t *TLS) timeout() time.Duration {
	if t.HandshakeTimeout > 0 {
		return t.HandshakeTimeout
	}
	return 30 * time.Second
}

// ImplicitTLS reports whether sessions on a must handshake before any
// protocol exchange.
func ImplicitTLS(a Acceptor) bool {
	t, ok := a.(*TLS)
	return ok && t.Implicit
}

// AcceptKind is the outcome of Accept.
type AcceptKind int

const (
	AcceptPlain AcceptKind = iota
	AcceptTLS
	AcceptClose
)

// AcceptResult is a plain stream, a pending TLS handshake, or Close.
type AcceptResult struct {
	Kind    AcceptKind
	Err     error
	stream  Stream
	pending *tls.Conn
	timeout time.Duration
}

// Stream returns the plain stream of an AcceptPlain result.
func (r AcceptResult) Stream() Stream { return r.stream }

// Handshake completes a pending TLS handshake.
func (r AcceptResult) Handshake(ctx context.Context) (Stream, error) {
	if r.Kind != AcceptTLS || r.pending == nil {
		return nil, ErrNotTLS
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.pending.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return NewTLSStream(r.pending), nil
}

func (t *TLS) Accept(ctx context.Context, conn net.Conn, responder ACMEResponder) AcceptResult {
	if responder == nil {
		return AcceptResult{Kind: AcceptTLS, pending: tls.Server(conn, t.Config), timeout: t.timeout()}
	}

	_ = conn.SetReadDeadline(time.Now().Add(t.timeout()))
	protos, replay, err := peekALPN(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return AcceptResult{Kind: AcceptClose, Err: err}
	}

	if slices.Contains(protos, acme.ALPNProto) {
		hs := tls.Server(replay, &tls.Config{
			GetCertificate: responder.GetCertificate,
			NextProtos:     []string{acme.ALPNProto},
		})
		ctx, cancel := context.WithTimeout(ctx, t.timeout())
		defer cancel()
		if err := hs.HandshakeContext(ctx); err != nil {
			return AcceptResult{Kind: AcceptClose, Err: fmt.Errorf("acme handshake: %w", err)}
		}
		_ = hs.Close()
		return AcceptResult{Kind: AcceptClose, Err: ErrACMEChallenge}
	}

	return AcceptResult{Kind: AcceptTLS, pending: tls.Server(replay, t.Config), timeout: t.timeout()}
}

// UpgradeTLS runs the server side of STARTTLS on an established stream.
func UpgradeTLS(ctx context.Context, a Acceptor, stream Stream) (Stream, error) {
	t, ok := a.(*TLS)
	if !ok {
		return nil, ErrNotTLS
	}
	conn := tls.Server(stream, t.Config)
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return NewTLSStream(conn), nil
}

// peekALPN reads the ClientHello and returns its ALPN protocols together
// with a connection that replays the consumed bytes.
func peekALPN(conn net.Conn) ([]string, net.Conn, error) {
	rec := &recordingConn{Conn: conn}
	var protos []string
	seen := false
	err := tls.Server(rec, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			protos = slices.Clone(hello.SupportedProtos)
			seen = true
			return nil, errHelloPeeked
		},
	}).Handshake()
	if !seen {
		return nil, nil, fmt.Errorf("read client hello: %w", err)
	}
	return protos, &replayConn{Conn: conn, r: io.MultiReader(bytes.NewReader(rec.buf.Bytes()), conn)}, nil
}

// recordingConn keeps what it reads and swallows writes, so the aborted
// ALPN peek handshake leaves no trace on the wire.
type recordingConn struct {
	net.Conn
	buf bytes.Buffer
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.buf.Write(p[:n])
	return n, err
}

func (c *recordingConn) Write(p []byte) (int, error) { return len(p), nil }

type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) { return c.r.Read(p) }

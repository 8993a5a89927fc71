package mxgate

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/synqronlabs/mxgate/filter"
	"github.com/synqronlabs/mxgate/listener"
	"github.com/synqronlabs/mxgate/telemetry"
)

// testClient is a simple SMTP client for integration testing.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

func (c *testClient) close() {
	c.conn.Close()
}

func (c *testClient) send(cmd string) {
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.t.Fatalf("Failed to send command %q: %v", cmd, err)
	}
}

func (c *testClient) sendRaw(data []byte) {
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("Failed to send raw data: %v", err)
	}
}

func (c *testClient) readLine() string {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Failed to read response: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readMultiline() []string {
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
	}
	return lines
}

func (c *testClient) expectCode(expectedCode int) string {
	line := c.readLine()
	code := 0
	fmt.Sscanf(line, "%d", &code)
	if code != expectedCode {
		c.t.Errorf("Expected code %d, got response: %s", expectedCode, line)
	}
	return line
}

func (c *testClient) expectLine(want string) {
	if got := c.readLine(); got != want {
		c.t.Errorf("Expected %q, got %q", want, got)
	}
}

func (c *testClient) expectMultilineCode(expectedCode int) []string {
	lines := c.readMultiline()
	if len(lines) == 0 {
		c.t.Fatalf("Expected multiline response with code %d, got empty", expectedCode)
	}
	code := 0
	fmt.Sscanf(lines[len(lines)-1], "%d", &code)
	if code != expectedCode {
		c.t.Errorf("Expected code %d, got response: %v", expectedCode, lines)
	}
	return lines
}

// expectClosed waits for the server to close the connection.
func (c *testClient) expectClosed() {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if line, err := c.reader.ReadString('\n'); err != io.EOF {
		c.t.Errorf("Expected connection close, got %q (err %v)", line, err)
	}
}

// hello reads the greeting and sends EHLO, returning the capability lines
// without their reply code.
func (c *testClient) hello(domain string) []string {
	c.expectCode(220)
	c.send("EHLO " + domain)
	lines := c.expectMultilineCode(250)
	caps := make([]string, 0, len(lines))
	for _, l := range lines[1:] {
		caps = append(caps, l[4:])
	}
	return caps
}

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServer is a running listener with an SMTP manager behind it.
type testServer struct {
	addr      string
	inst      *listener.Instance
	events    *telemetry.Recorder
	delivered chan *Message
	// shutdown fires the instance shutdown signal without stopping the
	// accept loop.
	shutdown context.CancelFunc
}

type serverOption func(*listener.Instance)

func withAcceptor(a listener.Acceptor) serverOption {
	return func(inst *listener.Instance) { inst.Acceptor = a }
}

func withProtocol(p listener.Protocol) serverOption {
	return func(inst *listener.Instance) { inst.Protocol = p }
}

// startTestServer serves core on a random loopback port. A nil policy
// gets DefaultPolicy("test.example.com") and a nil deliverer queues onto
// the returned channel.
func startTestServer(t *testing.T, core *Core, opts ...serverOption) *testServer {
	t.Helper()
	if core.Policy == nil {
		core.Policy = DefaultPolicy("test.example.com")
	}
	core.Logger = discardLogger()

	ts := &testServer{
		events:    &telemetry.Recorder{},
		delivered: make(chan *Message, 16),
	}
	if core.Deliverer == nil {
		var n atomic.Int64
		core.Deliverer = DelivererFunc(func(_ context.Context, msg *Message) (string, error) {
			ts.delivered <- msg
			return fmt.Sprintf("Q%d", n.Add(1)), nil
		})
	}

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	ts.shutdown = shutdown
	ts.inst = listener.NewInstance("smtp-test", listener.ProtocolSMTP, nil, nil, shutdownCtx)
	ts.inst.Sink = ts.events
	ts.inst.Logger = discardLogger()
	for _, opt := range opts {
		opt(ts.inst)
	}

	mgr := NewManager(core)
	srv, err := listener.NewServer(listener.ServerConfig{Manager: mgr, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	srv.Attach(ts.inst, ln)
	ts.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		shutdown()
		cancel()
		<-served
		waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Wait(waitCtx); err != nil {
			t.Errorf("sessions did not drain: %v", err)
		}
		mgr.Shutdown(waitCtx)
	})
	return ts
}

// waitEvent polls the recorder until an event of type et shows up.
func (ts *testServer) waitEvent(t *testing.T, et telemetry.EventType) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts.events.Has(et) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("event %s not recorded, got %v", et, ts.events.Types())
}

func (ts *testServer) receive(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-ts.delivered:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

// newTestSession builds a session on one end of an in-memory pipe, with
// its parameters evaluated and no greeting sent.
func newTestSession(t *testing.T, core *Core, acceptor listener.Acceptor) (*Session, *telemetry.Recorder) {
	t.Helper()
	if core.Policy == nil {
		core.Policy = DefaultPolicy("mx.example.com")
	}
	core.Logger = discardLogger()

	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	rec := &telemetry.Recorder{}
	inst := listener.NewInstance("test", listener.ProtocolSMTP, acceptor, nil, context.Background())
	inst.Sink = rec
	inst.Logger = discardLogger()
	data := &listener.SessionData{
		Stream:     listener.NewPlainStream(server),
		LocalIP:    netip.MustParseAddr("192.0.2.25"),
		LocalPort:  25,
		RemoteIP:   netip.MustParseAddr("192.0.2.1"),
		RemotePort: 40000,
		Protocol:   listener.ProtocolSMTP,
		SessionID:  "01TESTSESSION",
		Instance:   inst,
	}
	s := newSession(core, data)
	s.Params = core.Policy.EvalSessionParams(s.policyContext())
	s.Hostname = "mx.example.com"
	return s, rec
}

// takeReplies returns and clears the queued replies.
func takeReplies(s *Session) string {
	out := s.out.String()
	s.out.Reset()
	return out
}

// stubFilter is a filter with a canned verdict.
type stubFilter struct {
	name     string
	kind     filter.Kind
	stages   []filter.Stage
	reject   string
	err      error
	tempFail bool
	calls    []filter.Stage
	envs     []*filter.Envelope
}

func (f *stubFilter) Name() string          { return f.name }
func (f *stubFilter) Kind() filter.Kind     { return f.kind }
func (f *stubFilter) TempFailOnError() bool { return f.tempFail }

func (f *stubFilter) Applies(stage filter.Stage) bool {
	if len(f.stages) == 0 {
		return true
	}
	for _, s := range f.stages {
		if s == stage {
			return true
		}
	}
	return false
}

func (f *stubFilter) Run(_ context.Context, stage filter.Stage, env *filter.Envelope) (*filter.Reject, error) {
	f.calls = append(f.calls, stage)
	f.envs = append(f.envs, env)
	if f.err != nil {
		return nil, f.err
	}
	if f.reject != "" {
		return &filter.Reject{Message: f.reject}, nil
	}
	return nil, nil
}

// generateTestCert creates a self-signed certificate for testing.
func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate private key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"Test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost", "test.example.com"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

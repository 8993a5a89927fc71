package mxgate

import (
	"context"
	"crypto/tls"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/synqronlabs/mxgate/dns"
	"github.com/synqronlabs/mxgate/filter"
	"github.com/synqronlabs/mxgate/listener"
	"github.com/synqronlabs/mxgate/policy"
	"github.com/synqronlabs/mxgate/spf"
	"github.com/synqronlabs/mxgate/telemetry"
)

func countEvents(rec *telemetry.Recorder, et telemetry.EventType) int {
	n := 0
	for _, t := range rec.Types() {
		if t == et {
			n++
		}
	}
	return n
}

func TestEhloDefaultCapabilities(t *testing.T) {
	s, _ := newTestSession(t, &Core{}, listener.Plain{})
	s.HandleEhlo(context.Background(), "client.example.com", true)

	want := "250-mx.example.com you had me at EHLO\r\n" +
		"250-8BITMIME\r\n" +
		"250-BINARYMIME\r\n" +
		"250-CHUNKING\r\n" +
		"250-ENHANCEDSTATUSCODES\r\n" +
		"250-PIPELINING\r\n" +
		"250-REQUIRETLS\r\n" +
		"250-SIZE 26214400\r\n" +
		"250 SMTPUTF8\r\n"
	if got := takeReplies(s); got != want {
		t.Errorf("EHLO reply =\n%s\nwant\n%s", got, want)
	}
	if s.State != StateGreeted {
		t.Errorf("state = %v, want GREETED", s.State)
	}
}

func TestEhloAllCapabilities(t *testing.T) {
	core := &Core{Policy: DefaultPolicy("mx.example.com")}
	core.Policy.MaxMessageSize = policy.Const(int64(0))
	core.Policy.Extensions = ExtensionPolicy{
		AuthMechanisms: policy.Const([]string{"plain", "login"}),
		DeliverBy:      policy.Const(time.Hour),
		DSN:            policy.Const(true),
		Expn:           policy.Const(true),
		FutureRelease:  policy.Const(24 * time.Hour),
		MTPriority:     policy.Const("mixer"),
		NoSoliciting:   policy.Const(""),
		Pipelining:     policy.Const(false),
		Chunking:       policy.Const(false),
		RequireTLS:     policy.Const(false),
		Vrfy:           policy.Const(true),
	}
	s, _ := newTestSession(t, core, &listener.TLS{Config: &tls.Config{}})

	caps := s.capabilities()
	want := []string{
		"8BITMIME",
		"AUTH PLAIN LOGIN",
		"BINARYMIME",
		"DELIVERBY 3600",
		"DSN",
		"ENHANCEDSTATUSCODES",
		"EXPN",
		"FUTURERELEASE",
		"MT-PRIORITY MIXER",
		"NO-SOLICITING",
		"SMTPUTF8",
		"STARTTLS",
		"VRFY",
	}
	if len(caps) != len(want) {
		t.Fatalf("capabilities = %q, want %q", caps, want)
	}
	for i := range want {
		if want[i] == "FUTURERELEASE" {
			if !strings.HasPrefix(caps[i], "FUTURERELEASE 86400 ") {
				t.Errorf("capability %d = %q, want FUTURERELEASE 86400 <date>", i, caps[i])
			}
			continue
		}
		if caps[i] != want[i] {
			t.Errorf("capability %d = %q, want %q", i, caps[i], want[i])
		}
	}

	// AUTH is withdrawn once authenticated.
	s.Txn.AuthAs = "alice"
	if slices.ContainsFunc(s.capabilities(), func(c string) bool { return strings.HasPrefix(c, "AUTH") }) {
		t.Error("AUTH advertised after authentication")
	}
}

func TestHelo(t *testing.T) {
	s, _ := newTestSession(t, &Core{}, listener.Plain{})
	s.HandleEhlo(context.Background(), "client.example.com", false)
	if got := takeReplies(s); got != "250 mx.example.com you had me at HELO\r\n" {
		t.Errorf("HELO reply = %q", got)
	}
	if s.Txn.HeloDomain != "client.example.com" {
		t.Errorf("helo domain = %q", s.Txn.HeloDomain)
	}
}

func TestEhloSameDomainIsIdempotent(t *testing.T) {
	milter := &stubFilter{name: "m", kind: filter.KindMilter, stages: []filter.Stage{filter.StageEhlo}}
	s, rec := newTestSession(t, &Core{Filters: []filter.Filter{milter}}, listener.Plain{})
	ctx := context.Background()

	s.HandleEhlo(ctx, "client.example.com", true)
	s.Txn.MailFrom = &MailFrom{}
	s.Txn.Recipients = []Recipient{{}}
	s.State = StateRcpt
	takeReplies(s)

	s.HandleEhlo(ctx, "client.example.com", true)
	if n := countEvents(rec, telemetry.EventEhlo); n != 1 {
		t.Errorf("ehlo events = %d, want 1", n)
	}
	if len(milter.calls) != 1 {
		t.Errorf("filter consulted %d times, want 1", len(milter.calls))
	}
	if s.Txn.MailFrom == nil || len(s.Txn.Recipients) != 1 || s.State != StateRcpt {
		t.Error("repeated EHLO with the same domain reset the transaction")
	}
	if !strings.HasPrefix(takeReplies(s), "250-mx.example.com you had me at EHLO\r\n") {
		t.Error("repeated EHLO not answered")
	}
}

func TestEhloNewDomainResetsTransaction(t *testing.T) {
	s, rec := newTestSession(t, &Core{}, listener.Plain{})
	ctx := context.Background()
	s.HandleEhlo(ctx, "one.example.com", true)
	s.Txn.MailFrom = &MailFrom{}
	s.State = StateMail

	s.HandleEhlo(ctx, "two.example.com", true)
	if s.Txn.MailFrom != nil || s.State != StateGreeted {
		t.Errorf("transaction kept after new EHLO: state %v", s.State)
	}
	if s.Txn.HeloDomain != "two.example.com" {
		t.Errorf("helo domain = %q", s.Txn.HeloDomain)
	}
	if n := countEvents(rec, telemetry.EventEhlo); n != 2 {
		t.Errorf("ehlo events = %d, want 2", n)
	}
}

func TestEhloInvalidDomain(t *testing.T) {
	core := &Core{Policy: DefaultPolicy("mx.example.com")}
	core.Policy.EhloRejectNonFQDN = policy.Const(true)
	s, rec := newTestSession(t, core, listener.Plain{})

	s.HandleEhlo(context.Background(), "localhost", true)
	if got := takeReplies(s); got != "550 5.5.0 Invalid EHLO domain.\r\n" {
		t.Errorf("reply = %q", got)
	}
	if s.Txn.HeloDomain != "" || s.State != StatePreGreeting {
		t.Errorf("invalid domain adopted: %q %v", s.Txn.HeloDomain, s.State)
	}
	if !rec.Has(telemetry.EventInvalidEhlo) || rec.Has(telemetry.EventEhlo) {
		t.Errorf("events = %v", rec.Types())
	}
}

func TestEhloScriptRejectRollsBack(t *testing.T) {
	core := &Core{
		Policy: DefaultPolicy("mx.example.com"),
		Scripts: policy.RuleScripts{
			"ehlo-check": {{
				When:   policy.Condition{HeloDomain: []string{"*.bad.example"}},
				Reject: "554 5.7.1 Your identity is not welcome.",
			}},
		},
	}
	core.Policy.Scripts.Ehlo = policy.Const("ehlo-check")
	s, rec := newTestSession(t, core, listener.Plain{})
	ctx := context.Background()

	s.HandleEhlo(ctx, "good.example.com", true)
	s.Txn.MailFrom = &MailFrom{}
	s.State = StateMail
	takeReplies(s)

	s.HandleEhlo(ctx, "host.bad.example", true)
	if got := takeReplies(s); got != "554 5.7.1 Your identity is not welcome.\r\n" {
		t.Errorf("reply = %q", got)
	}
	if s.Txn.HeloDomain != "good.example.com" {
		t.Errorf("helo domain = %q, want the previous one restored", s.Txn.HeloDomain)
	}
	if s.Txn.MailFrom != nil || s.State != StateGreeted {
		t.Error("sender not dropped after rejected EHLO")
	}
	if !rec.Has(telemetry.EventScriptReject) {
		t.Errorf("events = %v", rec.Types())
	}
}

func TestEhloFilterOrder(t *testing.T) {
	milter := &stubFilter{name: "m", kind: filter.KindMilter, reject: "550 5.7.1 Milter says no."}
	hook := &stubFilter{name: "h", kind: filter.KindHook}
	// Hooks are listed first but milters still run before them.
	s, rec := newTestSession(t, &Core{Filters: []filter.Filter{hook, milter}}, listener.Plain{})

	s.HandleEhlo(context.Background(), "client.example.com", true)
	if got := takeReplies(s); got != "550 5.7.1 Milter says no.\r\n" {
		t.Errorf("reply = %q", got)
	}
	if len(hook.calls) != 0 {
		t.Error("hook ran after a milter rejection")
	}
	if !rec.Has(telemetry.EventMilterReject) {
		t.Errorf("events = %v", rec.Types())
	}
	if s.Txn.HeloDomain != "" {
		t.Errorf("helo domain = %q, want rollback", s.Txn.HeloDomain)
	}
	if env := milter.envs[0]; env.HeloDomain != "client.example.com" || env.Hostname != "mx.example.com" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestEhloFilterErrors(t *testing.T) {
	tests := []struct {
		name     string
		tempFail bool
		want     string
	}{
		{name: "continue on error", tempFail: false, want: "250-mx.example.com you had me at EHLO\r\n"},
		{name: "tempfail on error", tempFail: true, want: filter.TempFailReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := &stubFilter{name: "h", kind: filter.KindHook, err: errors.New("connection refused"), tempFail: tt.tempFail}
			s, _ := newTestSession(t, &Core{Filters: []filter.Filter{hook}}, listener.Plain{})
			s.HandleEhlo(context.Background(), "client.example.com", true)
			if got := takeReplies(s); !strings.HasPrefix(got, tt.want) {
				t.Errorf("reply = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestEhloSPF(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"good.example.":   {"v=spf1 ip4:192.0.2.0/24 -all"},
			"forged.example.": {"v=spf1 -all"},
			"broken.example.": {"v=spf1 bogus -all"},
		},
		Fail: []string{"txt flaky.example."},
	}

	tests := []struct {
		name     string
		domain   string
		strategy spf.Strategy
		reply    string
		status   spf.Status
	}{
		{name: "strict pass", domain: "good.example", strategy: spf.StrategyStrict, status: spf.StatusPass},
		{name: "strict fail", domain: "forged.example", strategy: spf.StrategyStrict, reply: "550 5.7.23 SPF validation failed.\r\n"},
		{name: "strict temperror", domain: "flaky.example", strategy: spf.StrategyStrict, reply: "451 4.7.24 Temporary SPF validation error.\r\n"},
		{name: "strict permerror", domain: "broken.example", strategy: spf.StrategyStrict, reply: "550 5.7.24 Permanent SPF validation error.\r\n"},
		{name: "relaxed fail", domain: "forged.example", strategy: spf.StrategyRelaxed, status: spf.StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := &Core{Policy: DefaultPolicy("mx.example.com"), SPF: spf.NewVerifier(resolver, time.Second)}
			core.Policy.SPFEhlo = policy.Const(tt.strategy)
			s, rec := newTestSession(t, core, listener.Plain{})

			s.HandleEhlo(context.Background(), tt.domain, true)
			got := takeReplies(s)
			if !rec.Has(telemetry.EventSPFEhloResult) {
				t.Errorf("events = %v", rec.Types())
			}
			if tt.reply != "" {
				if got != tt.reply {
					t.Errorf("reply = %q, want %q", got, tt.reply)
				}
				if s.Txn.SPFEhlo != nil || s.Txn.HeloDomain != "" {
					t.Error("rejected EHLO left SPF state behind")
				}
				return
			}
			if !strings.HasPrefix(got, "250-") {
				t.Errorf("reply = %q", got)
			}
			if s.Txn.SPFEhlo == nil || s.Txn.SPFEhlo.Status != tt.status {
				t.Errorf("spf output = %+v, want %s", s.Txn.SPFEhlo, tt.status)
			}
		})
	}
}

func TestEhloSPFDisabled(t *testing.T) {
	resolver := dns.MockResolver{TXT: map[string][]string{"forged.example.": {"v=spf1 -all"}}}
	core := &Core{Policy: DefaultPolicy("mx.example.com"), SPF: spf.NewVerifier(resolver, time.Second)}
	core.Policy.SPFEhlo = policy.Const(spf.StrategyDisable)
	s, rec := newTestSession(t, core, listener.Plain{})

	s.HandleEhlo(context.Background(), "forged.example", true)
	if rec.Has(telemetry.EventSPFEhloResult) || s.Txn.SPFEhlo != nil {
		t.Error("SPF checked while disabled")
	}
}

func TestEhloRejectClearsSPFResult(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"good.example.":     {"v=spf1 ip4:192.0.2.0/24 -all"},
			"host.bad.example.": {"v=spf1 -all"},
		},
	}
	const reject = "554 5.7.1 Your identity is not welcome."

	tests := []struct {
		name  string
		setup func(core *Core)
		event telemetry.EventType
	}{
		{
			name: "script",
			setup: func(core *Core) {
				core.Scripts = policy.RuleScripts{"ehlo-check": {{
					When:   policy.Condition{HeloDomain: []string{"*.bad.example"}},
					Reject: reject,
				}}}
				core.Policy.Scripts.Ehlo = policy.Const("ehlo-check")
			},
			event: telemetry.EventScriptReject,
		},
		{
			name: "milter",
			setup: func(core *Core) {
				core.Filters = []filter.Filter{&badDomainFilter{kind: filter.KindMilter, reply: reject}}
			},
			event: telemetry.EventMilterReject,
		},
		{
			name: "hook",
			setup: func(core *Core) {
				core.Filters = []filter.Filter{&badDomainFilter{kind: filter.KindHook, reply: reject}}
			},
			event: telemetry.EventHookReject,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := &Core{Policy: DefaultPolicy("mx.example.com"), SPF: spf.NewVerifier(resolver, time.Second)}
			core.Policy.SPFEhlo = policy.Const(spf.StrategyRelaxed)
			tt.setup(core)
			s, rec := newTestSession(t, core, listener.Plain{})
			ctx := context.Background()

			s.HandleEhlo(ctx, "good.example", true)
			if s.Txn.SPFEhlo == nil || s.Txn.SPFEhlo.Status != spf.StatusPass {
				t.Fatalf("spf = %+v, want pass for the first identity", s.Txn.SPFEhlo)
			}
			s.Txn.MailFrom = &MailFrom{}
			s.Txn.Recipients = []Recipient{{}}
			s.State = StateRcpt
			takeReplies(s)

			s.HandleEhlo(ctx, "host.bad.example", true)
			if got := takeReplies(s); got != reject+"\r\n" {
				t.Errorf("reply = %q", got)
			}
			if n := countEvents(rec, telemetry.EventSPFEhloResult); n != 2 {
				t.Errorf("spf evaluated %d times, want 2", n)
			}
			if !rec.Has(tt.event) {
				t.Errorf("events = %v", rec.Types())
			}
			if s.Txn.HeloDomain != "good.example" {
				t.Errorf("helo domain = %q, want the previous one restored", s.Txn.HeloDomain)
			}
			if s.Txn.SPFEhlo != nil {
				t.Errorf("spf = %+v, want it cleared", s.Txn.SPFEhlo)
			}
			if s.Txn.MailFrom != nil || len(s.Txn.Recipients) != 0 || s.State != StateGreeted {
				t.Error("transaction survived a rejected EHLO")
			}
		})
	}
}

// badDomainFilter rejects EHLO identities under bad.example.
type badDomainFilter struct {
	kind  filter.Kind
	reply string
}

func (f *badDomainFilter) Name() string                    { return "bad-domain" }
func (f *badDomainFilter) Kind() filter.Kind               { return f.kind }
func (f *badDomainFilter) TempFailOnError() bool           { return false }
func (f *badDomainFilter) Applies(stage filter.Stage) bool { return stage == filter.StageEhlo }

func (f *badDomainFilter) Run(_ context.Context, _ filter.Stage, env *filter.Envelope) (*filter.Reject, error) {
	if strings.HasSuffix(env.HeloDomain, ".bad.example") {
		return &filter.Reject{Message: f.reply}, nil
	}
	return nil, nil
}

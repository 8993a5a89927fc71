package policy

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testContext() *Context {
	return &Context{
		Listener:   "smtp",
		Protocol:   "smtp",
		LocalPort:  25,
		RemoteIP:   netip.MustParseAddr("10.1.2.3"),
		RemotePort: 40000,
		HeloDomain: "mx.example.com",
		Sender:     "alice@example.org",
	}
}

func boolPtr(b bool) *bool { return &b }

func TestConditionMatch(t *testing.T) {
	ctx := testContext()
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"empty matches", Condition{}, true},
		{"remote ip in prefix", Condition{RemoteIP: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}, true},
		{"remote ip outside", Condition{RemoteIP: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}}, false},
		{"local port", Condition{LocalPort: []uint16{25, 587}}, true},
		{"wrong port", Condition{LocalPort: []uint16{465}}, false},
		{"listener", Condition{Listener: []string{"smtp"}}, true},
		{"protocol", Condition{Protocol: []string{"lmtp"}}, false},
		{"tls false", Condition{TLS: boolPtr(false)}, true},
		{"tls true", Condition{TLS: boolPtr(true)}, false},
		{"authenticated", Condition{Authenticated: boolPtr(true)}, false},
		{"helo exact", Condition{HeloDomain: []string{"MX.example.com"}}, true},
		{"helo wildcard", Condition{HeloDomain: []string{"*.example.com"}}, true},
		{"helo wildcard apex", Condition{HeloDomain: []string{"*.mx.example.com"}}, false},
		{"sender domain", Condition{Sender: []string{"example.org"}}, true},
		{"and of fields", Condition{LocalPort: []uint16{25}, TLS: boolPtr(true)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Match(ctx))
		})
	}
}

func TestEval(t *testing.T) {
	ctx := testContext()

	_, ok := Eval[int](nil, ctx)
	assert.False(t, ok)

	v, ok := Eval(Const(7), ctx)
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	expr := &Expr[string]{
		If: []Branch[string]{
			{When: Condition{LocalPort: []uint16{587}}, Then: "submission"},
			{When: Condition{LocalPort: []uint16{25}}, Then: "mx"},
		},
	}
	v2, ok := Eval(expr, ctx)
	assert.True(t, ok)
	assert.Equal(t, "mx", v2)

	ctx.LocalPort = 2525
	_, ok = Eval(expr, ctx)
	assert.False(t, ok)
	assert.Equal(t, "fallback", Or(expr, ctx, "fallback"))
}

func TestExprYAML(t *testing.T) {
	var cfg struct {
		Timeout    Expr[time.Duration] `yaml:"timeout"`
		Greeting   Expr[string]        `yaml:"greeting"`
		Mechanisms Expr[[]string]      `yaml:"mechanisms"`
		Missing    Expr[bool]          `yaml:"missing"`
	}
	doc := `
timeout:
  if:
    - when:
        remote-ip: [10.0.0.0/8]
      then: 30m
  else: 5m
greeting: mx.example.com ready
mechanisms: [PLAIN, LOGIN]
`
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))

	ctx := testContext()
	assert.Equal(t, 30*time.Minute, Or(&cfg.Timeout, ctx, 0))
	ctx.RemoteIP = netip.MustParseAddr("192.0.2.1")
	assert.Equal(t, 5*time.Minute, Or(&cfg.Timeout, ctx, 0))
	assert.Equal(t, "mx.example.com ready", Or(&cfg.Greeting, ctx, ""))
	assert.Equal(t, []string{"PLAIN", "LOGIN"}, Or(&cfg.Mechanisms, ctx, nil))
	assert.True(t, Or(&cfg.Missing, ctx, true))
}

func TestRuleScripts(t *testing.T) {
	scripts := RuleScripts{
		"connect": {
			{When: Condition{RemoteIP: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}, Reject: "554 5.7.1 Go away."},
		},
	}
	ctx := testContext()

	res := scripts.Run(context.Background(), "connect", ctx)
	assert.True(t, res.Reject)
	assert.Equal(t, "554 5.7.1 Go away.\r\n", res.Message)

	ctx.RemoteIP = netip.MustParseAddr("192.0.2.1")
	assert.False(t, scripts.Run(context.Background(), "connect", ctx).Reject)
	assert.False(t, scripts.Run(context.Background(), "unknown", ctx).Reject)
}

func TestReply(t *testing.T) {
	assert.Equal(t, "550 nope\r\n", Reply("550 nope"))
	assert.Equal(t, "550 nope\r\n", Reply("550 nope\r\n"))
	assert.Equal(t, "550 nope\r\n", Reply("550 nope\n"))
}

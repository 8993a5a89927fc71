package mxgate

import (
	"time"

	"github.com/synqronlabs/mxgate/policy"
	"github.com/synqronlabs/mxgate/spf"
)

// Policy is the set of tunables evaluated per session. A nil expression
// falls back to the documented default of its call site.
type Policy struct {
	Hostname *policy.Expr[string] `yaml:"hostname"`
	Greeting *policy.Expr[string] `yaml:"greeting"`

	Timeout           *policy.Expr[time.Duration] `yaml:"timeout"`
	Duration          *policy.Expr[time.Duration] `yaml:"duration"`
	TransferLimit     *policy.Expr[int64]         `yaml:"transfer-limit"`
	EhloRejectNonFQDN *policy.Expr[bool]          `yaml:"ehlo-reject-non-fqdn"`
	SPFEhlo           *policy.Expr[spf.Strategy]  `yaml:"spf-ehlo"`
	SPFMailFrom       *policy.Expr[spf.Strategy]  `yaml:"spf-mail-from"`
	MaxRecipients     *policy.Expr[int]           `yaml:"max-recipients"`
	MaxMessageSize    *policy.Expr[int64]         `yaml:"max-message-size"`
	RequireAuth       *policy.Expr[bool]          `yaml:"require-auth"`
	MaxErrors         *policy.Expr[int]           `yaml:"max-errors"`

	Scripts    StageScripts    `yaml:"scripts"`
	Extensions ExtensionPolicy `yaml:"extensions"`
}

// StageScripts name the policy script run at each stage.
type StageScripts struct {
	Connect *policy.Expr[string] `yaml:"connect"`
	Ehlo    *policy.Expr[string] `yaml:"ehlo"`
	Mail    *policy.Expr[string] `yaml:"mail"`
	Rcpt    *policy.Expr[string] `yaml:"rcpt"`
	Data    *policy.Expr[string] `yaml:"data"`
}

// ExtensionPolicy decides what EHLO advertises.
type ExtensionPolicy struct {
	Pipelining     *policy.Expr[bool]          `yaml:"pipelining"`
	Chunking       *policy.Expr[bool]          `yaml:"chunking"`
	Expn           *policy.Expr[bool]          `yaml:"expn"`
	Vrfy           *policy.Expr[bool]          `yaml:"vrfy"`
	RequireTLS     *policy.Expr[bool]          `yaml:"requiretls"`
	DSN            *policy.Expr[bool]          `yaml:"dsn"`
	AuthMechanisms *policy.Expr[[]string]      `yaml:"auth-mechanisms"`
	FutureRelease  *policy.Expr[time.Duration] `yaml:"future-release"`
	DeliverBy      *policy.Expr[time.Duration] `yaml:"deliver-by"`
	MTPriority     *policy.Expr[string]        `yaml:"mt-priority"`
	NoSoliciting   *policy.Expr[string]        `yaml:"no-soliciting"`
}

// DefaultPolicy returns a policy with only the hostname set.
func DefaultPolicy(hostname string) *Policy {
	return &Policy{Hostname: policy.Const(hostname)}
}

// Defaults applied when an expression yields nothing.
const (
	DefaultTimeout        = 5 * time.Minute
	DefaultDuration       = 10 * time.Minute
	DefaultTransferLimit  = 250 * 1024 * 1024
	DefaultMaxRecipients  = 100
	DefaultMaxMessageSize = 25 * 1024 * 1024
	DefaultMaxErrors      = 10
)

// SessionParams are the connection-scoped values evaluated once at
// connect.
type SessionParams struct {
	Timeout           time.Duration
	Duration          time.Duration
	TransferLimit     int64
	EhloRejectNonFQDN bool
	SPFEhlo           spf.Strategy
	SPFMailFrom       spf.Strategy
	MaxRecipients     int
	MaxMessageSize    int64
	RequireAuth       bool
	MaxErrors         int
}

// EvalSessionParams evaluates the connection-scoped tunables.
func (p *Policy) EvalSessionParams(ctx *policy.Context) SessionParams {
	params := SessionParams{
		Timeout:           policy.Or(p.Timeout, ctx, DefaultTimeout),
		Duration:          policy.Or(p.Duration, ctx, DefaultDuration),
		TransferLimit:     policy.Or(p.TransferLimit, ctx, int64(DefaultTransferLimit)),
		EhloRejectNonFQDN: policy.Or(p.EhloRejectNonFQDN, ctx, false),
		SPFEhlo:           policy.Or(p.SPFEhlo, ctx, spf.StrategyRelaxed),
		SPFMailFrom:       policy.Or(p.SPFMailFrom, ctx, spf.StrategyRelaxed),
		MaxRecipients:     policy.Or(p.MaxRecipients, ctx, DefaultMaxRecipients),
		MaxMessageSize:    policy.Or(p.MaxMessageSize, ctx, int64(DefaultMaxMessageSize)),
		RequireAuth:       policy.Or(p.RequireAuth, ctx, false),
		MaxErrors:         policy.Or(p.MaxErrors, ctx, DefaultMaxErrors),
	}
	if params.Timeout <= 0 {
		params.Timeout = DefaultTimeout
	}
	if params.Duration <= 0 {
		params.Duration = DefaultDuration
	}
	if params.MaxErrors <= 0 {
		params.MaxErrors = DefaultMaxErrors
	}
	return params
}

// Package spf checks the EHLO and MAIL FROM identities of a client against
// the sender's published SPF policy (RFC 7208).
package spf

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	bspf "blitiri.com.ar/go/spf"

	"github.com/synqronlabs/mxgate/dns"
)

// Status is the result of an SPF evaluation.
type Status string

const (
	StatusNone      Status = "none"
	StatusNeutral   Status = "neutral"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusSoftfail  Status = "softfail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Strategy decides whether a check runs and whether its failures reject.
type Strategy int

const (
	// StrategyRelaxed verifies and records the result but never rejects.
	StrategyRelaxed Strategy = iota
	// StrategyStrict rejects on fail, temperror and permerror.
	StrategyStrict
	// StrategyDisable skips the check.
	StrategyDisable
)

// ParseStrategy maps configuration text to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "relaxed":
		return StrategyRelaxed, nil
	case "strict":
		return StrategyStrict, nil
	case "disable", "disabled":
		return StrategyDisable, nil
	}
	return StrategyRelaxed, fmt.Errorf("spf: unknown strategy %q", s)
}

// UnmarshalText lets a Strategy be read straight from configuration.
func (s *Strategy) UnmarshalText(text []byte) error {
	v, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Strategy) String() string {
	switch s {
	case StrategyStrict:
		return "strict"
	case StrategyDisable:
		return "disable"
	}
	return "relaxed"
}

// Verify reports whether the check should run at all.
func (s Strategy) Verify() bool { return s != StrategyDisable }

// IsStrict reports whether failures reject.
func (s Strategy) IsStrict() bool { return s == StrategyStrict }

// Output is the outcome of one SPF check.
type Output struct {
	Status   Status
	Identity string // "helo" or "mailfrom"
	Domain   string
	ClientIP net.IP
	Helo     string
	Sender   string
	Problem  string
}

// Verifier runs SPF checks. The zero value is not usable; see NewVerifier.
type Verifier struct {
	resolver dns.Resolver
	timeout  time.Duration
}

// NewVerifier creates a verifier resolving through r. timeout bounds each
// check; zero means 20 seconds.
func NewVerifier(r dns.Resolver, timeout time.Duration) *Verifier {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Verifier{resolver: r, timeout: timeout}
}

// VerifyEHLO checks the HELO identity (RFC 7208 Section 2.3).
func (v *Verifier) VerifyEHLO(ctx context.Context, ip net.IP, helo string) Output {
	out := v.check(ctx, ip, helo, "postmaster@"+helo)
	out.Identity = "helo"
	out.Domain = helo
	return out
}

// VerifyMailFrom checks the MAIL FROM identity. A null sender is checked
// as postmaster at the HELO domain.
func (v *Verifier) VerifyMailFrom(ctx context.Context, ip net.IP, helo, sender string) Output {
	if sender == "" {
		sender = "postmaster@" + helo
	}
	out := v.check(ctx, ip, helo, sender)
	out.Identity = "mailfrom"
	if _, domain, ok := strings.Cut(sender, "@"); ok {
		out.Domain = domain
	}
	return out
}

func (v *Verifier) check(ctx context.Context, ip net.IP, helo, sender string) Output {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	res, err := bspf.CheckHostWithSender(ip, helo, sender,
		bspf.WithContext(ctx),
		bspf.WithResolver(v.resolver),
	)
	out := Output{
		Status:   Status(res),
		ClientIP: ip,
		Helo:     helo,
		Sender:   sender,
	}
	if out.Status == "" {
		out.Status = StatusNone
	}
	if err != nil {
		out.Problem = err.Error()
	}
	return out
}

// Header formats a Received-SPF header line (RFC 7208 Section 9.1),
// without the trailing CRLF.
func (o Output) Header(receiver string) string {
	var b strings.Builder
	b.WriteString("Received-SPF: ")
	b.WriteString(string(o.Status))

	b.WriteString(" client-ip=")
	b.WriteString(encodeHeaderValue(o.ClientIP.String()))
	b.WriteString("; envelope-from=")
	b.WriteString(encodeHeaderValue(o.Sender))
	b.WriteString("; helo=")
	b.WriteString(encodeHeaderValue(o.Helo))
	b.WriteByte(';')

	if o.Problem != "" {
		problem := o.Problem
		if len(problem) > 60 {
			problem = problem[:60]
		}
		b.WriteString(" problem=")
		b.WriteString(encodeHeaderValue(problem))
		b.WriteByte(';')
	}

	b.WriteString(" receiver=")
	b.WriteString(encodeHeaderValue(receiver))
	b.WriteString("; identity=")
	b.WriteString(o.Identity)
	return b.String()
}

// encodeHeaderValue quotes values that are not a plain dot-atom.
func encodeHeaderValue(s string) string {
	if s == "" {
		return `""`
	}
	for _, c := range s {
		if c <= ' ' || c >= 0x7f || strings.ContainsRune(`()<>@,;:\"/[]?=`, c) {
			return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
		}
	}
	return s
}

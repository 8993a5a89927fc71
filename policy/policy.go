// Package policy evaluates the per-session settings and rules configured
// for a listener. Evaluation is pure: it reads a Context snapshot and never
// performs I/O.
package policy

import (
	"net/netip"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Context is the session state rules can match on.
type Context struct {
	Listener      string
	Protocol      string
	LocalIP       netip.Addr
	LocalPort     uint16
	RemoteIP      netip.Addr
	RemotePort    uint16
	TLS           bool
	Authenticated bool
	HeloDomain    string
	Sender        string
}

// Condition matches a Context. Every populated field must match; within a
// list any element may match. The zero Condition matches everything.
type Condition struct {
	RemoteIP      []netip.Prefix `yaml:"remote-ip"`
	LocalPort     []uint16       `yaml:"local-port"`
	Listener      []string       `yaml:"listener"`
	Protocol      []string       `yaml:"protocol"`
	TLS           *bool          `yaml:"tls"`
	Authenticated *bool          `yaml:"authenticated"`
	// HeloDomain entries match exactly or, written as "*.example.com",
	// any subdomain.
	HeloDomain []string `yaml:"helo-domain"`
	Sender     []string `yaml:"sender-domain"`
}

// Match reports whether c holds for ctx.
func (c *Condition) Match(ctx *Context) bool {
	if len(c.RemoteIP) > 0 && !slices.ContainsFunc(c.RemoteIP, func(p netip.Prefix) bool {
		return p.Contains(ctx.RemoteIP)
	}) {
		return false
	}
	if len(c.LocalPort) > 0 && !slices.Contains(c.LocalPort, ctx.LocalPort) {
		return false
	}
	if len(c.Listener) > 0 && !slices.Contains(c.Listener, ctx.Listener) {
		return false
	}
	if len(c.Protocol) > 0 && !slices.Contains(c.Protocol, ctx.Protocol) {
		return false
	}
	if c.TLS != nil && *c.TLS != ctx.TLS {
		return false
	}
	if c.Authenticated != nil && *c.Authenticated != ctx.Authenticated {
		return false
	}
	if len(c.HeloDomain) > 0 && !matchDomain(c.HeloDomain, ctx.HeloDomain) {
		return false
	}
	if len(c.Sender) > 0 {
		_, domain, _ := strings.Cut(ctx.Sender, "@")
		if !matchDomain(c.Sender, domain) {
			return false
		}
	}
	return true
}

func matchDomain(patterns []string, domain string) bool {
	if domain == "" {
		return false
	}
	for _, p := range patterns {
		if suffix, ok := strings.CutPrefix(p, "*."); ok {
			if len(domain) > len(suffix) && strings.HasSuffix(strings.ToLower(domain), "."+strings.ToLower(suffix)) {
				return true
			}
			continue
		}
		if strings.EqualFold(p, domain) {
			return true
		}
	}
	return false
}

// Branch yields Then when When matches.
type Branch[T any] struct {
	When Condition `yaml:"when"`
	Then T         `yaml:"then"`
}

// Expr is a configurable value: either a constant or an ordered list of
// conditional branches with an optional fallback.
//
//	timeout: 5m
//	timeout:
//	  if:
//	    - when: {remote-ip: [10.0.0.0/8]}
//	      then: 30m
//	  else: 5m
type Expr[T any] struct {
	If      []Branch[T]
	Else    T
	HasElse bool
}

// Const returns an expression that always yields v.
func Const[T any](v T) *Expr[T] {
	return &Expr[T]{Else: v, HasElse: true}
}

// UnmarshalYAML accepts both the constant and the branch form.
func (e *Expr[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode && hasKey(node, "if", "else") {
		var raw struct {
			If   []Branch[T] `yaml:"if"`
			Else *T          `yaml:"else"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		e.If = raw.If
		if raw.Else != nil {
			e.Else, e.HasElse = *raw.Else, true
		}
		return nil
	}
	if err := node.Decode(&e.Else); err != nil {
		return err
	}
	e.HasElse = true
	return nil
}

func hasKey(node *yaml.Node, keys ...string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if slices.Contains(keys, node.Content[i].Value) {
			return true
		}
	}
	return false
}

// Eval returns the value of the first matching branch, else the fallback.
// ok is false when nothing applies; a nil expression yields nothing.
func Eval[T any](e *Expr[T], ctx *Context) (v T, ok bool) {
	if e == nil {
		return v, false
	}
	for i := range e.If {
		if e.If[i].When.Match(ctx) {
			return e.If[i].Then, true
		}
	}
	if e.HasElse {
		return e.Else, true
	}
	return v, false
}

// Or evaluates e and falls back to def when nothing applies.
func Or[T any](e *Expr[T], ctx *Context, def T) T {
	if v, ok := Eval(e, ctx); ok {
		return v
	}
	return def
}

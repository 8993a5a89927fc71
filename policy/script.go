package policy

import (
	"context"
	"strings"
)

// ScriptResult is the outcome of a script run. A zero value continues.
type ScriptResult struct {
	Reject  bool
	Message string // literal SMTP reply, CRLF terminated
}

// ScriptRunner runs a named filtering script for a session.
type ScriptRunner interface {
	Run(ctx context.Context, name string, pctx *Context) ScriptResult
}

// ScriptRule rejects with a literal reply when its condition matches.
type ScriptRule struct {
	When   Condition `yaml:"when"`
	Reject string    `yaml:"reject"`
}

// RuleScripts is a ScriptRunner backed by condition/reject rules, keyed by
// script name. Unknown scripts continue.
type RuleScripts map[string][]ScriptRule

// Run returns the reply of the first matching rule.
func (r RuleScripts) Run(ctx context.Context, name string, pctx *Context) ScriptResult {
	for i := range r[name] {
		if ctx.Err() != nil {
			break
		}
		rule := &r[name][i]
		if rule.Reject != "" && rule.When.Match(pctx) {
			return ScriptResult{Reject: true, Message: Reply(rule.Reject)}
		}
	}
	return ScriptResult{}
}

// Reply normalizes a configured reply to end in exactly one CRLF.
func Reply(s string) string {
	return strings.TrimRight(s, "\r\n") + "\r\n"
}

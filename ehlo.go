package mxgate

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/synqronlabs/mxgate/filter"
	"github.com/synqronlabs/mxgate/policy"
	"github.com/synqronlabs/mxgate/spf"
	"github.com/synqronlabs/mxgate/telemetry"
	"github.com/synqronlabs/mxgate/utils"
)

// HandleEhlo negotiates a new client identity and queues the reply. An
// unchanged domain skips straight to the reply and keeps any open
// transaction.
func (s *Session) HandleEhlo(ctx context.Context, domain string, extended bool) {
	if domain != s.Txn.HeloDomain {
		if s.Params.EhloRejectNonFQDN && !utils.HasValidLabels(domain) {
			ev := s.event(telemetry.EventInvalidEhlo)
			ev.Domain = domain
			s.emit(ev)
			s.reply(replyInvalidEhlo)
			return
		}

		ev := s.event(telemetry.EventEhlo)
		ev.Domain = domain
		s.emit(ev)

		prev := s.Txn.HeloDomain
		s.Txn.HeloDomain = domain
		if reject := s.negotiateEhlo(ctx); reject != "" {
			s.rollbackEhlo(prev)
			s.reply(reject)
			return
		}
		// A new identity invalidates an open transaction.
		if s.Txn.MailFrom != nil {
			s.resetTransaction()
		}
	}

	if s.State == StatePreGreeting {
		s.State = StateGreeted
	}

	if !extended {
		s.reply("250 " + s.Hostname + " you had me at HELO\r\n")
		return
	}
	s.reply(multiline(CodeOK, append([]string{s.Hostname + " you had me at EHLO"}, s.capabilities()...)))
}

// negotiateEhlo runs SPF and the ehlo filter stage against the domain
// already adopted by the caller.
func (s *Session) negotiateEhlo(ctx context.Context) string {
	if s.core.SPF != nil && s.Params.SPFEhlo.Verify() {
		began := time.Now()
		out := s.core.SPF.VerifyEHLO(ctx, s.remoteNetIP(), s.Txn.HeloDomain)
		ev := s.event(telemetry.EventSPFEhloResult)
		ev.Domain = s.Txn.HeloDomain
		ev.Result = string(out.Status)
		ev.Reason = out.Problem
		ev.Elapsed = time.Since(began)
		s.emit(ev)
		s.logSPF(out)

		if reject := spfReject(out, s.Params.SPFEhlo); reject != "" {
			return reject
		}
		s.Txn.SPFEhlo = &out
	}
	return s.runFilters(ctx, filter.StageEhlo, s.core.Policy.Scripts.Ehlo, nil)
}

// rollbackEhlo restores the identity held before a rejected negotiation.
// The sender is dropped and the recipients go with it.
func (s *Session) rollbackEhlo(prev string) {
	s.Txn.HeloDomain = prev
	s.Txn.SPFEhlo = nil
	if s.Txn.MailFrom != nil {
		s.resetTransaction()
	}
}

// spfReject returns the reply for a result that must be refused under
// strategy, or "".
func spfReject(out spf.Output, strategy spf.Strategy) string {
	if !strategy.IsStrict() {
		return ""
	}
	switch out.Status {
	case spf.StatusFail:
		return replySPFFail
	case spf.StatusTemperror:
		return replySPFTempError
	case spf.StatusPermerror:
		return replySPFPermError
	}
	return ""
}

// capabilities assembles the EHLO keywords. Each tunable falls back to its
// default when the policy yields nothing.
func (s *Session) capabilities() []string {
	pctx := s.policyContext()
	ext := &s.core.Policy.Extensions

	caps := []string{"8BITMIME"}
	if !s.IsAuthenticated() {
		if mechs := policy.Or(ext.AuthMechanisms, pctx, nil); len(mechs) > 0 {
			caps = append(caps, "AUTH "+strings.ToUpper(strings.Join(mechs, " ")))
		}
	}
	caps = append(caps, "BINARYMIME")
	if policy.Or(ext.Chunking, pctx, true) {
		caps = append(caps, "CHUNKING")
	}
	if d, ok := policy.Eval(ext.DeliverBy, pctx); ok {
		caps = append(caps, "DELIVERBY "+strconv.FormatInt(int64(d/time.Second), 10))
	}
	if policy.Or(ext.DSN, pctx, false) {
		caps = append(caps, "DSN")
	}
	caps = append(caps, "ENHANCEDSTATUSCODES")
	if policy.Or(ext.Expn, pctx, false) {
		caps = append(caps, "EXPN")
	}
	if d, ok := policy.Eval(ext.FutureRelease, pctx); ok {
		until := time.Now().Add(d).UTC().Format(time.RFC3339)
		caps = append(caps, "FUTURERELEASE "+strconv.FormatInt(int64(d/time.Second), 10)+" "+until)
	}
	if p, ok := policy.Eval(ext.MTPriority, pctx); ok {
		caps = append(caps, strings.TrimSpace("MT-PRIORITY "+strings.ToUpper(p)))
	}
	if v, ok := policy.Eval(ext.NoSoliciting, pctx); ok {
		caps = append(caps, strings.TrimSpace("NO-SOLICITING "+v))
	}
	if policy.Or(ext.Pipelining, pctx, true) {
		caps = append(caps, "PIPELINING")
	}
	if policy.Or(ext.RequireTLS, pctx, true) {
		caps = append(caps, "REQUIRETLS")
	}
	if s.Params.MaxMessageSize > 0 {
		caps = append(caps, "SIZE "+strconv.FormatInt(s.Params.MaxMessageSize, 10))
	}
	caps = append(caps, "SMTPUTF8")
	if !s.IsTLS() && s.inst.Acceptor.IsTLS() {
		caps = append(caps, "STARTTLS")
	}
	if policy.Or(ext.Vrfy, pctx, false) {
		caps = append(caps, "VRFY")
	}
	return caps
}

// extensionEnabled evaluates a boolean extension tunable.
func (s *Session) extensionEnabled(e *policy.Expr[bool], def bool) bool {
	return policy.Or(e, s.policyContext(), def)
}

func (s *Session) logSPF(out spf.Output) {
	s.logger.Debug("spf checked",
		slog.String("identity", out.Identity),
		slog.String("domain", out.Domain),
		slog.String("result", string(out.Status)),
	)
}

package mxgate

import (
	"context"
	"log/slog"

	"github.com/synqronlabs/mxgate/filter"
	"github.com/synqronlabs/mxgate/policy"
	"github.com/synqronlabs/mxgate/telemetry"
)

// runFilters runs the script, milter and hook stages in order and returns
// the literal reply of the first rejection, or "" to continue. Callers
// undo their own tentative changes on rejection.
// message is only passed at the data stage.
func (s *Session) runFilters(ctx context.Context, stage filter.Stage, script *policy.Expr[string], message []byte) string {
	if reject := s.runScript(ctx, stage, script); reject != "" {
		return reject
	}
	if reject := s.runExternal(ctx, stage, filter.KindMilter, message); reject != "" {
		return reject
	}
	return s.runExternal(ctx, stage, filter.KindHook, message)
}

func (s *Session) runScript(ctx context.Context, stage filter.Stage, script *policy.Expr[string]) string {
	if s.core.Scripts == nil {
		return ""
	}
	pctx := s.policyContext()
	name, ok := policy.Eval(script, pctx)
	if !ok || name == "" {
		return ""
	}
	res := s.core.Scripts.Run(ctx, name, pctx)
	if !res.Reject {
		return ""
	}
	ev := s.event(telemetry.EventScriptReject)
	ev.Reason = name
	ev.Result = string(stage)
	s.emit(ev)
	s.logger.Warn("script rejected", slog.String("script", name), slog.String("stage", string(stage)))
	return res.Message
}

// runExternal consults every filter of kind that applies to stage.
func (s *Session) runExternal(ctx context.Context, stage filter.Stage, kind filter.Kind, message []byte) string {
	var env *filter.Envelope
	for _, f := range s.core.Filters {
		if f.Kind() != kind || !f.Applies(stage) {
			continue
		}
		if env == nil {
			env = s.envelope()
			env.Message = message
		}
		reject, err := f.Run(ctx, stage, env)
		if err != nil {
			s.logger.Warn("filter failed",
				slog.String("filter", f.Name()),
				slog.String("stage", string(stage)),
				slog.Any("error", err),
			)
			if f.TempFailOnError() {
				return filter.TempFailReply
			}
			continue
		}
		if reject == nil {
			continue
		}
		t := telemetry.EventMilterReject
		if kind == filter.KindHook {
			t = telemetry.EventHookReject
		}
		ev := s.event(t)
		ev.Reason = f.Name()
		ev.Result = string(stage)
		s.emit(ev)
		s.logger.Warn("filter rejected", slog.String("filter", f.Name()), slog.String("stage", string(stage)))
		return policy.Reply(reject.Message)
	}
	return ""
}

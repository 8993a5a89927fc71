package telemetry

import (
	"context"
	"log/slog"
)

// LogSink writes events to a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func level(t EventType) slog.Level {
	switch t {
	case EventSessionPanic:
		return slog.LevelError
	case EventConcurrencyLimitExceeded, EventBlocked, EventRateLimited, EventTLSHandshakeError,
		EventMissingLocalHostname, EventTransferLimitExceeded, EventTimeLimitExceeded,
		EventLoiterBan, EventTooManyErrors, EventAuthFailed:
		return slog.LevelWarn
	case EventSessionStart, EventSessionEnd, EventShuttingDown, EventMessageAccepted,
		EventConnectRejected, EventScriptReject, EventMilterReject, EventHookReject:
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

func (s *LogSink) Emit(ev Event) {
	lvl := level(ev.Type)
	ctx := context.Background()
	if !s.logger.Enabled(ctx, lvl) {
		return
	}

	attrs := make([]slog.Attr, 0, 8)
	if ev.SessionID != "" {
		attrs = append(attrs, slog.String("conn_id", ev.SessionID))
	}
	if ev.ListenerID != "" {
		attrs = append(attrs, slog.String("listener", ev.ListenerID))
	}
	if ev.LocalPort != 0 {
		attrs = append(attrs, slog.Int("local_port", int(ev.LocalPort)))
	}
	if ev.RemoteIP != "" {
		attrs = append(attrs, slog.String("remote_ip", ev.RemoteIP))
	}
	if ev.RemotePort != 0 {
		attrs = append(attrs, slog.Int("remote_port", int(ev.RemotePort)))
	}
	if ev.Elapsed != 0 {
		attrs = append(attrs, slog.Duration("elapsed", ev.Elapsed))
	}
	if ev.Domain != "" {
		attrs = append(attrs, slog.String("domain", ev.Domain))
	}
	if ev.Result != "" {
		attrs = append(attrs, slog.String("result", ev.Result))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	s.logger.LogAttrs(ctx, lvl, ev.Type.String(), attrs...)
}

package mxgate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/synqronlabs/mxgate/listener"
	"github.com/synqronlabs/mxgate/telemetry"
)

const readBufferSize = 8192

// HandleConn reads and dispatches client input until the session ends.
// It returns true only when the client issued STARTTLS and the caller
// should continue on an upgraded stream.
func (s *Session) HandleConn(ctx context.Context) bool {
	buf := make([]byte, readBufferSize)
	shutdown := s.inst.Shutdown

	// Shutdown interrupts a pending read by expiring its deadline.
	stop := context.AfterFunc(shutdown, func() {
		_ = s.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if shutdown.Err() != nil {
			s.shuttingDown()
			return false
		}
		_ = s.stream.SetReadDeadline(time.Now().Add(s.Params.Timeout))
		// The signal may have fired between the check and the deadline.
		if shutdown.Err() != nil {
			s.shuttingDown()
			return false
		}

		n, err := s.stream.Read(buf)
		if shutdown.Err() != nil {
			s.shuttingDown()
			return false
		}

		switch {
		case n > 0 && time.Now().Before(s.ValidUntil) && int64(n) <= s.BytesLeft:
			s.BytesLeft -= int64(n)
			result, ierr := s.Ingest(ctx, buf[:n])
			if ierr != nil {
				s.logger.Debug("session ended", slog.Any("reason", ierr))
				return false
			}
			switch result {
			case listener.SessionUpgradeTLS:
				return true
			case listener.SessionClose:
				return false
			}
			continue

		case n > 0 && int64(n) > s.BytesLeft:
			_ = s.write(hostReply(CodeInsufficientStorage, ESCTempRateLimited, s.Hostname, "Session exceeded transfer quota."))
			s.emit(s.event(telemetry.EventTransferLimitExceeded))
			s.logger.Warn("transfer quota exceeded")
			return false

		case n > 0:
			_ = s.write(hostReply(CodeServiceUnavailable, ESCTempNotAccepting, s.Hostname, "Session open for too long."))
			s.loiterCheck()
			return false
		}

		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			s.emit(s.event(telemetry.EventTimeout))
			_ = s.write(hostReply(CodeServiceClosing, ESCSuccess, s.Hostname, "Disconnecting inactive client."))
			return false
		}
		// EOF or transport failure.
		ev := s.event(telemetry.EventClosed)
		ev.Reason = err.Error()
		s.emit(ev)
		return false
	}
}

func (s *Session) shuttingDown() {
	ev := s.event(telemetry.EventShuttingDown)
	ev.Reason = "Server shutting down"
	s.emit(ev)
	_ = s.write(hostReply(CodeServiceUnavailable, ESCTempLocalError, s.Hostname, "Server shutting down."))
}

// loiterCheck records a session that outlived its time budget. A failed
// check is logged and never delays the close.
func (s *Session) loiterCheck() {
	if s.core.LoiterBan == nil {
		s.emit(s.event(telemetry.EventTimeLimitExceeded))
		return
	}
	banned, err := s.core.LoiterBan.IsBanned(s.data.RemoteIP)
	switch {
	case err != nil:
		s.logger.Error("failed to check if IP should be banned", slog.Any("error", err))
	case banned:
		s.emit(s.event(telemetry.EventLoiterBan))
		s.logger.Warn("remote address banned for loitering")
	default:
		s.emit(s.event(telemetry.EventTimeLimitExceeded))
	}
}

package mxgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/synqronlabs/mxgate/filter"
	mxio "github.com/synqronlabs/mxgate/io"
	"github.com/synqronlabs/mxgate/listener"
	"github.com/synqronlabs/mxgate/policy"
	"github.com/synqronlabs/mxgate/sasl"
	"github.com/synqronlabs/mxgate/telemetry"
)

// Ingest decodes one chunk of client input, runs the commands it
// completes and sends the queued replies. Partial lines and bodies are
// kept for the next chunk. After STARTTLS the rest of the chunk is
// discarded (RFC 3207 Section 4.2). QUIT ends it with ErrSessionClosed.
func (s *Session) Ingest(ctx context.Context, data []byte) (listener.SessionResult, error) {
	result, err := s.ingest(ctx, data)
	if ferr := s.flush(); ferr != nil && err == nil {
		err = ferr
	}
	return result, err
}

func (s *Session) ingest(ctx context.Context, data []byte) (listener.SessionResult, error) {
	for len(data) > 0 {
		switch s.State {
		case StateData:
			n, done := s.body.Feed(data)
			data = data[n:]
			if done {
				s.finishData(ctx)
			}
			continue
		case StateBdat:
			n, done := s.chunk.Feed(data)
			data = data[n:]
			if done {
				s.finishChunk(ctx)
			}
			continue
		}

		line, n, ok, err := s.lines.Feed(data)
		data = data[n:]
		if !ok {
			continue
		}

		result := listener.SessionContinue
		switch {
		case errors.Is(err, mxio.ErrLineTooLong):
			s.fail(replyLineTooLong)
		case err != nil:
			s.fail(replyBadLineEnding)
		case s.State == StateAuth:
			s.authStep(ctx, string(line))
		default:
			result = s.command(ctx, string(line))
		}
		switch result {
		case listener.SessionContinue:
		case listener.SessionClose:
			return result, ErrSessionClosed
		default:
			return result, nil
		}
		if s.errors >= s.Params.MaxErrors {
			s.emit(s.event(telemetry.EventTooManyErrors))
			s.reply(replyTooManyErrors)
			return listener.SessionClose, ErrTooManyErrors
		}
	}
	return listener.SessionContinue, nil
}

// fail queues an error reply and counts it against the session.
func (s *Session) fail(reply string) {
	s.errors++
	s.reply(reply)
}

func (s *Session) command(ctx context.Context, line string) listener.SessionResult {
	cmd, args, err := parseCommand(line)
	if err != nil {
		s.fail(replyInvalidCommand)
		return listener.SessionContinue
	}

	switch cmd {
	case CmdEhlo, CmdHelo, CmdLhlo:
		s.handleHello(ctx, cmd, args)
	case CmdMail:
		s.handleMail(ctx, args)
	case CmdRcpt:
		s.handleRcpt(ctx, args)
	case CmdData:
		s.handleData(args)
	case CmdBdat:
		s.handleBdat(ctx, args)
	case CmdRset:
		s.resetTransaction()
		s.reply(replyRset)
	case CmdNoop:
		s.reply(replyNoop)
	case CmdQuit:
		s.reply(replyBye)
		return listener.SessionClose
	case CmdVrfy:
		s.handleVerify(args, s.core.Policy.Extensions.Vrfy, "VRFY")
	case CmdExpn:
		s.handleVerify(args, s.core.Policy.Extensions.Expn, "EXPN")
	case CmdHelp:
		s.reply(multiline(CodeHelpMessage, []string{
			"2.0.0 Supported commands:",
			"2.0.0 EHLO HELO MAIL RCPT DATA BDAT RSET NOOP QUIT",
			"2.0.0 STARTTLS AUTH VRFY EXPN HELP",
		}))
	case CmdStartTLS:
		return s.handleStartTLS(args)
	case CmdAuth:
		s.handleAuth(ctx, args)
	}
	return listener.SessionContinue
}

func (s *Session) handleHello(ctx context.Context, cmd Command, domain string) {
	lmtp := s.data.Protocol == listener.ProtocolLMTP
	if (cmd == CmdLhlo) != lmtp {
		s.fail(replyInvalidCommand)
		return
	}
	if domain == "" || strings.ContainsAny(domain, " \t") {
		s.fail(replySyntax("Invalid or missing domain name."))
		return
	}
	s.HandleEhlo(ctx, domain, cmd != CmdHelo)
}

func (s *Session) handleMail(ctx context.Context, args string) {
	switch {
	case s.State < StateGreeted:
		s.fail(replyBadSequence("EHLO/HELO first."))
		return
	case s.Txn.MailFrom != nil:
		s.fail(replyBadSequence("Multiple MAIL commands not allowed."))
		return
	case s.Params.RequireAuth && !s.IsAuthenticated():
		s.fail(replyAuthRequired)
		return
	}

	rest, ok := cutPrefixFold(args, "FROM:")
	if !ok {
		s.fail(replySyntax("Syntax: MAIL FROM:<address>"))
		return
	}
	from, params, err := parsePathWithParams(rest)
	if err != nil {
		s.fail(replySyntax(fmt.Sprintf("Invalid sender: %v.", err)))
		return
	}

	mf := &MailFrom{Path: from, Params: params, BodyType: BodyType7Bit}
	if reply := s.mailParams(mf); reply != "" {
		s.fail(reply)
		return
	}
	if !from.IsASCII() && !mf.SMTPUTF8 {
		s.fail(Response{Code: CodeMailboxNameInvalid, EnhancedCode: ESCNonASCIINoSMTPUTF8,
			Message: "Address contains non-ASCII characters but SMTPUTF8 not requested."}.Wire())
		return
	}

	if s.core.SPF != nil && s.Params.SPFMailFrom.Verify() {
		began := time.Now()
		out := s.core.SPF.VerifyMailFrom(ctx, s.remoteNetIP(), s.Txn.HeloDomain, from.Mailbox.String())
		ev := s.event(telemetry.EventSPFMailFromResult)
		ev.Domain = out.Domain
		ev.Result = string(out.Status)
		ev.Reason = out.Problem
		ev.Elapsed = time.Since(began)
		s.emit(ev)
		s.logSPF(out)
		if reject := spfReject(out, s.Params.SPFMailFrom); reject != "" {
			s.reply(reject)
			return
		}
		s.Txn.SPFMailFrom = &out
	}

	s.Txn.MailFrom = mf
	if reject := s.runFilters(ctx, filter.StageMail, s.core.Policy.Scripts.Mail, nil); reject != "" {
		s.Txn.MailFrom = nil
		s.Txn.SPFMailFrom = nil
		s.reply(reject)
		return
	}

	s.State = StateMail
	ev := s.event(telemetry.EventMailFrom)
	ev.Domain = from.Mailbox.Domain
	s.emit(ev)
	s.reply(Response{Code: CodeOK, EnhancedCode: ESCAddressValid, Message: "OK"}.Wire())
}

// mailParams validates the MAIL FROM parameters into mf and returns an
// error reply, or "".
func (s *Session) mailParams(mf *MailFrom) string {
	ext := &s.core.Policy.Extensions
	for key, value := range mf.Params {
		switch key {
		case "SIZE":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return replySyntax("Invalid SIZE parameter.")
			}
			if s.Params.MaxMessageSize > 0 && size > s.Params.MaxMessageSize {
				return Response{Code: CodeExceededStorage, EnhancedCode: ESCMailSystemFull, Message: "Message too large."}.Wire()
			}
			mf.Size = size
		case "BODY":
			switch bt := BodyType(strings.ToUpper(value)); bt {
			case BodyType7Bit, BodyType8BitMIME:
				mf.BodyType = bt
			case BodyTypeBinaryMIME:
				if !s.extensionEnabled(ext.Chunking, true) {
					return replyBadParam("BINARYMIME requires CHUNKING.")
				}
				mf.BodyType = bt
			default:
				return replyBadParam("Invalid BODY parameter.")
			}
		case "SMTPUTF8":
			mf.SMTPUTF8 = true
		case "REQUIRETLS":
			if !s.extensionEnabled(ext.RequireTLS, true) {
				return replyBadParam("REQUIRETLS not supported.")
			}
			if !s.IsTLS() {
				return Response{Code: CodeAuthRequired, EnhancedCode: ESCEncryptionRequired, Message: "REQUIRETLS not allowed on unencrypted connections."}.Wire()
			}
			mf.RequireTLS = true
		case "ENVID", "RET":
			if !s.extensionEnabled(ext.DSN, false) {
				return replyBadParam("DSN not supported.")
			}
			if key == "ENVID" {
				mf.EnvID = value
				continue
			}
			ret := strings.ToUpper(value)
			if ret != "FULL" && ret != "HDRS" {
				return replySyntax("Invalid RET parameter: must be FULL or HDRS.")
			}
			mf.Ret = ret
		case "AUTH":
			// RFC 4954 Section 5: accepted and ignored.
		default:
			return Response{Code: CodeParamsNotRecognized, EnhancedCode: ESCInvalidArgs, Message: "Unsupported parameter " + key + "."}.Wire()
		}
	}
	return ""
}

func (s *Session) handleRcpt(ctx context.Context, args string) {
	if s.Txn.MailFrom == nil {
		s.fail(replyBadSequence("MAIL is required first."))
		return
	}
	if s.Params.MaxRecipients > 0 && len(s.Txn.Recipients) >= s.Params.MaxRecipients {
		s.reply(Response{Code: 455, EnhancedCode: ESCTempTooManyRecipients, Message: "Too many recipients."}.Wire())
		return
	}

	rest, ok := cutPrefixFold(args, "TO:")
	if !ok {
		s.fail(replySyntax("Syntax: RCPT TO:<address>"))
		return
	}
	to, params, err := parsePathWithParams(rest)
	if err != nil || to.IsNull() {
		s.fail(replySyntax("Invalid recipient."))
		return
	}
	if !to.IsASCII() && !s.Txn.MailFrom.SMTPUTF8 {
		s.fail(Response{Code: CodeMailboxNameInvalid, EnhancedCode: ESCNonASCIINoSMTPUTF8,
			Message: "Address contains non-ASCII characters but SMTPUTF8 not requested."}.Wire())
		return
	}

	rcpt := Recipient{Path: to}
	for key, value := range params {
		switch key {
		case "NOTIFY", "ORCPT":
			if !s.extensionEnabled(s.core.Policy.Extensions.DSN, false) {
				s.fail(replyBadParam("DSN not supported."))
				return
			}
			if key == "ORCPT" {
				rcpt.ORcpt = value
				continue
			}
			notify := strings.Split(strings.ToUpper(value), ",")
			for _, v := range notify {
				if v != "NEVER" && v != "SUCCESS" && v != "FAILURE" && v != "DELAY" {
					s.fail(replySyntax("Invalid NOTIFY parameter value."))
					return
				}
			}
			if slices.Contains(notify, "NEVER") && len(notify) > 1 {
				s.fail(replySyntax("NOTIFY=NEVER must appear alone."))
				return
			}
			rcpt.Notify = notify
		default:
			s.fail(Response{Code: CodeParamsNotRecognized, EnhancedCode: ESCInvalidArgs, Message: "Unsupported parameter " + key + "."}.Wire())
			return
		}
	}

	if slices.ContainsFunc(s.Txn.Recipients, func(r Recipient) bool {
		return strings.EqualFold(r.Path.Mailbox.String(), to.Mailbox.String())
	}) {
		s.reply(Response{Code: CodeOK, EnhancedCode: ESCRecipientValid, Message: "OK"}.Wire())
		return
	}

	s.Txn.Recipients = append(s.Txn.Recipients, rcpt)
	if reject := s.runFilters(ctx, filter.StageRcpt, s.core.Policy.Scripts.Rcpt, nil); reject != "" {
		s.Txn.Recipients = s.Txn.Recipients[:len(s.Txn.Recipients)-1]
		s.reply(reject)
		return
	}

	s.State = StateRcpt
	ev := s.event(telemetry.EventRcptTo)
	ev.Domain = to.Mailbox.Domain
	s.emit(ev)
	s.reply(Response{Code: CodeOK, EnhancedCode: ESCRecipientValid, Message: "OK"}.Wire())
}

func (s *Session) handleData(args string) {
	switch {
	case args != "":
		s.fail(replySyntax("DATA takes no arguments."))
		return
	case len(s.Txn.Recipients) == 0:
		s.fail(replyBadSequence("RCPT is required first."))
		return
	case s.Txn.MailFrom.BodyType == BodyTypeBinaryMIME:
		s.fail(replyBadSequence("BINARYMIME requires BDAT."))
		return
	}
	s.body = mxio.NewDataReader(s.Params.MaxMessageSize, s.Txn.MailFrom.BodyType == BodyType7Bit)
	s.State = StateData
	s.reply(replyStartData)
}

func (s *Session) finishData(ctx context.Context) {
	body := s.body
	s.body = nil
	s.State = StateRcpt

	switch err := body.Err(); {
	case errors.Is(err, mxio.ErrMessageTooLarge):
		s.reply(Response{Code: CodeExceededStorage, EnhancedCode: ESCMailSystemFull, Message: "Message too large."}.Wire())
		s.resetTransaction()
		return
	case errors.Is(err, mxio.Err8BitIn7BitMode):
		s.reply(Response{Code: CodeTransactionFailed, EnhancedCode: ESCContentError, Message: "Message contains 8-bit data but BODY=7BIT was specified."}.Wire())
		s.resetTransaction()
		return
	}
	s.queueMessage(ctx, body.Body())
}

func (s *Session) handleBdat(ctx context.Context, args string) {
	if !s.extensionEnabled(s.core.Policy.Extensions.Chunking, true) {
		s.fail(Response{Code: CodeCommandNotImplemented, EnhancedCode: ESCBadCommandSequence, Message: "BDAT not available."}.Wire())
		return
	}
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 || (len(fields) == 2 && !strings.EqualFold(fields[1], "LAST")) {
		s.fail(replySyntax("Syntax: BDAT <size> [LAST]"))
		return
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		s.fail(replySyntax("Invalid chunk size."))
		return
	}
	last := len(fields) == 2

	var discard string
	switch {
	case len(s.Txn.Recipients) == 0:
		discard = replyBadSequence("RCPT is required first.")
		s.errors++
	case s.Params.MaxMessageSize > 0 && size > s.Params.MaxMessageSize-int64(len(s.bdatBuf)):
		discard = Response{Code: CodeExceededStorage, EnhancedCode: ESCMailSystemFull, Message: "Message too large."}.Wire()
	}

	if discard != "" {
		// The chunk is read to stay in sync and then dropped.
		s.resetTransaction()
		s.resume = s.State
		s.chunk = mxio.NewChunkDiscarder(size)
		s.bdatDiscardReply = discard
	} else {
		s.chunk = mxio.NewChunkReader(size, s.bdatBuf)
		s.bdatDiscardReply = ""
	}
	s.bdatLast = last
	s.State = StateBdat
	if size == 0 {
		s.finishChunk(ctx)
	}
}

func (s *Session) finishChunk(ctx context.Context) {
	chunk := s.chunk
	s.chunk = nil
	if s.bdatDiscardReply != "" {
		reply := s.bdatDiscardReply
		s.bdatDiscardReply = ""
		s.State = s.resume
		s.reply(reply)
		return
	}

	s.bdatBuf = chunk.Bytes()
	s.State = StateRcpt
	if !s.bdatLast {
		s.reply(fmt.Sprintf("250 2.6.0 Chunk accepted, %d octets received.\r\n", len(s.bdatBuf)))
		return
	}
	raw := s.bdatBuf
	s.bdatBuf = nil
	s.queueMessage(ctx, raw)
}

// queueMessage runs the data stage, prepends the trace headers and hands
// the message to the queue. The transaction is reset in every case.
func (s *Session) queueMessage(ctx context.Context, raw []byte) {
	defer s.resetTransaction()

	if reject := s.runFilters(ctx, filter.StageData, s.core.Policy.Scripts.Data, raw); reject != "" {
		s.emit(s.event(telemetry.EventMessageRejected))
		s.replyPerRecipient(reject)
		return
	}

	mf := s.Txn.MailFrom
	msg := &Message{
		SessionID:  s.data.SessionID,
		Listener:   s.inst.ID,
		RemoteIP:   s.data.RemoteIP,
		HeloDomain: s.Txn.HeloDomain,
		AuthAs:     s.Txn.AuthAs,
		From:       mf.Path,
		Recipients: slices.Clone(s.Txn.Recipients),
		BodyType:   mf.BodyType,
		SMTPUTF8:   mf.SMTPUTF8,
		RequireTLS: mf.RequireTLS,
		EnvID:      mf.EnvID,
		Ret:        mf.Ret,
		ReceivedAt: time.Now(),
	}
	msg.Raw = append([]byte(s.traceHeaders(msg)), raw...)

	if s.core.Deliverer == nil {
		s.logger.Error("no deliverer configured")
		s.emit(s.event(telemetry.EventMessageRejected))
		s.replyPerRecipient(replyDeliveryTempFail)
		return
	}
	id, err := s.core.Deliverer.Deliver(ctx, msg)
	if err != nil {
		s.logger.Error("queue rejected message", slog.Any("error", err))
		s.emit(s.event(telemetry.EventMessageRejected))
		s.replyPerRecipient(replyDeliveryTempFail)
		return
	}

	s.Txn.Messages++
	ev := s.event(telemetry.EventMessageAccepted)
	ev.Result = id
	s.emit(ev)
	s.logger.Info("message received",
		slog.String("queue_id", id),
		slog.String("from", mf.Path.String()),
		slog.Int("recipients", len(msg.Recipients)),
		slog.Int("size", len(raw)),
	)
	s.replyPerRecipient(fmt.Sprintf("250 2.0.0 Message queued as %s.\r\n", id))
}

// replyPerRecipient sends one reply per recipient under LMTP (RFC 2033
// Section 4.2) and a single one otherwise.
func (s *Session) replyPerRecipient(reply string) {
	if s.data.Protocol != listener.ProtocolLMTP {
		s.reply(reply)
		return
	}
	for range s.Txn.Recipients {
		s.reply(reply)
	}
}

// traceHeaders builds the Received and Received-SPF headers for msg
// (RFC 5321 Section 4.4, RFC 3848).
func (s *Session) traceHeaders(msg *Message) string {
	var b strings.Builder
	if s.Txn.SPFMailFrom != nil {
		b.WriteString(s.Txn.SPFMailFrom.Header(s.Hostname))
		b.WriteString("\r\n")
	} else if s.Txn.SPFEhlo != nil {
		b.WriteString(s.Txn.SPFEhlo.Header(s.Hostname))
		b.WriteString("\r\n")
	}

	with := "ESMTP"
	if msg.SMTPUTF8 {
		with = "UTF8SMTP"
	}
	if s.data.Protocol == listener.ProtocolLMTP {
		with = "LMTP"
	}
	if s.IsTLS() {
		with += "S"
	}
	if s.IsAuthenticated() {
		with += "A"
	}
	fmt.Fprintf(&b, "Received: from %s (%s [%s])\r\n\tby %s (mxgate) with %s id %s",
		s.Txn.HeloDomain, s.Txn.HeloDomain, s.data.RemoteIP, s.Hostname, with, s.data.SessionID)
	if s.IsTLS() {
		version, cipher := s.stream.TLSVersionAndCipher()
		fmt.Fprintf(&b, "\r\n\t(using %s with cipher %s)", version, cipher)
	}
	if len(msg.Recipients) == 1 {
		fmt.Fprintf(&b, "\r\n\tfor %s", msg.Recipients[0].Path)
	}
	fmt.Fprintf(&b, ";\r\n\t%s\r\n", msg.ReceivedAt.Format(time.RFC1123Z))
	return b.String()
}

func (s *Session) handleVerify(args string, enabled *policy.Expr[bool], verb string) {
	if args == "" {
		s.fail(replySyntax("Syntax: " + verb + " <address>"))
		return
	}
	if !s.extensionEnabled(enabled, false) {
		s.fail(Response{Code: CodeCommandNotImplemented, EnhancedCode: ESCBadCommandSequence, Message: verb + " is disabled."}.Wire())
		return
	}
	s.reply(Response{Code: CodeCannotVRFY, EnhancedCode: "2.5.1", Message: "Cannot verify address, but will accept message and attempt delivery."}.Wire())
}

func (s *Session) handleStartTLS(args string) listener.SessionResult {
	switch {
	case args != "":
		s.fail(replySyntax("STARTTLS takes no arguments."))
	case s.IsTLS():
		s.fail(replyBadSequence("Already in TLS mode."))
	case !s.inst.Acceptor.IsTLS():
		s.fail(Response{Code: CodeCommandNotImplemented, EnhancedCode: ESCBadCommandSequence, Message: "STARTTLS not available."}.Wire())
	default:
		s.emit(s.event(telemetry.EventStartTLS))
		s.reply(replyStartTLS)
		return listener.SessionUpgradeTLS
	}
	return listener.SessionContinue
}

func (s *Session) authMechanisms() []string {
	return policy.Or(s.core.Policy.Extensions.AuthMechanisms, s.policyContext(), nil)
}

func (s *Session) handleAuth(ctx context.Context, args string) {
	switch {
	case s.State < StateGreeted:
		s.fail(replyBadSequence("EHLO first."))
		return
	case s.IsAuthenticated():
		s.fail(replyBadSequence("Already authenticated."))
		return
	case s.Txn.MailFrom != nil:
		s.fail(replyBadSequence("AUTH not allowed during a mail transaction."))
		return
	}

	name, initial, _ := strings.Cut(args, " ")
	name = strings.ToUpper(name)
	if s.core.Authenticator == nil || !slices.ContainsFunc(s.authMechanisms(), func(m string) bool {
		return strings.EqualFold(m, name)
	}) {
		s.fail(replyBadParam("Authentication mechanism not supported."))
		return
	}
	mech, err := sasl.New(name)
	if err != nil {
		s.fail(replyBadParam("Authentication mechanism not supported."))
		return
	}

	challenge, done, err := mech.Start(strings.TrimSpace(initial))
	if err != nil {
		s.authFailed(err)
		return
	}
	if done {
		s.authVerify(ctx, mech)
		return
	}
	s.auth = mech
	s.resume = s.State
	s.State = StateAuth
	s.reply(authChallenge(challenge))
}

func (s *Session) authStep(ctx context.Context, line string) {
	mech := s.auth
	challenge, done, err := mech.Next(line)
	if err != nil {
		s.endAuth()
		s.authFailed(err)
		return
	}
	if !done {
		s.reply(authChallenge(challenge))
		return
	}
	s.endAuth()
	s.authVerify(ctx, mech)
}

func (s *Session) endAuth() {
	s.auth = nil
	s.State = s.resume
}

func (s *Session) authFailed(err error) {
	if errors.Is(err, sasl.ErrAuthenticationCancelled) {
		s.fail(replyAuthCancelled)
		return
	}
	s.emit(s.event(telemetry.EventAuthFailed))
	s.fail(replySyntax("Invalid authentication data."))
}

func (s *Session) authVerify(ctx context.Context, mech sasl.Mechanism) {
	creds := mech.Credentials()
	ok, err := s.core.Authenticator.Authenticate(ctx, mech.Name(), creds.AuthenticationID, creds.Password)
	if err != nil {
		s.logger.Error("authenticator failed", slog.Any("error", err))
		s.reply(Response{Code: 454, EnhancedCode: "4.7.0", Message: "Temporary authentication failure."}.Wire())
		return
	}
	if !ok {
		ev := s.event(telemetry.EventAuthFailed)
		ev.Reason = creds.AuthenticationID
		s.emit(ev)
		s.logger.Warn("authentication failed", slog.String("user", creds.AuthenticationID))
		s.fail(replyAuthFailed)
		return
	}
	s.Txn.AuthAs = creds.Identity()
	ev := s.event(telemetry.EventAuthSuccess)
	ev.Reason = s.Txn.AuthAs
	s.emit(ev)
	s.logger.Info("authenticated", slog.String("user", s.Txn.AuthAs), slog.String("mechanism", mech.Name()))
	s.reply(replyAuthSuccess)
}

package mxgate

import (
	"fmt"
	"strings"
)

// SMTPCode is an SMTP reply code (RFC 5321).
// 2yz: Success, 3yz: Continue, 4yz: Transient failure, 5yz: Permanent failure.
type SMTPCode int

const (
	CodeHelpMessage    SMTPCode = 214
	CodeServiceReady   SMTPCode = 220
	CodeServiceClosing SMTPCode = 221
	CodeAuthSuccess    SMTPCode = 235
	CodeOK             SMTPCode = 250
	CodeCannotVRFY     SMTPCode = 252

	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	CodeServiceUnavailable  SMTPCode = 421
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452

	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
	CodeParamsNotRecognized    SMTPCode = 555
)

// EnhancedCode is an enhanced status code (RFC 3463), "class.subject.detail".
type EnhancedCode string

const (
	ESCSuccess         EnhancedCode = "2.0.0"
	ESCAddressValid    EnhancedCode = "2.1.0"
	ESCRecipientValid  EnhancedCode = "2.1.5"
	ESCSecuritySuccess EnhancedCode = "2.7.0"

	ESCTempLocalError        EnhancedCode = "4.3.0"
	ESCTempNotAccepting      EnhancedCode = "4.3.2"
	ESCTempSystemNotCapable  EnhancedCode = "4.3.5"
	ESCTempTooManyRecipients EnhancedCode = "4.5.3"
	ESCTempSPFError          EnhancedCode = "4.7.24"
	ESCTempRateLimited       EnhancedCode = "4.7.28"

	ESCMailSystemFull         EnhancedCode = "5.3.4"
	ESCInvalidCommand         EnhancedCode = "5.5.0"
	ESCBadCommandSequence     EnhancedCode = "5.5.1"
	ESCSyntaxError            EnhancedCode = "5.5.2"
	ESCInvalidArgs            EnhancedCode = "5.5.4"
	ESCContentError           EnhancedCode = "5.6.0"
	ESCNonASCIINoSMTPUTF8     EnhancedCode = "5.6.7"
	ESCSecurityError          EnhancedCode = "5.7.0"
	ESCAuthCredentialsInvalid EnhancedCode = "5.7.8"
	ESCEncryptionRequired     EnhancedCode = "5.7.11"
	ESCSPFFailed              EnhancedCode = "5.7.23"
	ESCSPFError               EnhancedCode = "5.7.24"
)

func (e EnhancedCode) String() string {
	return string(e)
}

// Response is a single-line SMTP reply.
type Response struct {
	Code         SMTPCode
	EnhancedCode EnhancedCode
	Message      string
}

// String formats the reply without the line terminator.
func (r Response) String() string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// Wire returns the reply as sent, CRLF terminated.
func (r Response) Wire() string {
	return r.String() + "\r\n"
}

// multiline formats a reply spanning several lines, "250-" for all but
// the last.
func multiline(code SMTPCode, lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&b, "%d%s%s\r\n", code, sep, line)
	}
	return b.String()
}

// Fixed replies. Those carrying the local hostname are built by the
// session.
var (
	replyInvalidEhlo      = Response{Code: CodeMailboxNotFound, EnhancedCode: ESCInvalidCommand, Message: "Invalid EHLO domain."}.Wire()
	replySPFFail          = Response{Code: CodeMailboxNotFound, EnhancedCode: ESCSPFFailed, Message: "SPF validation failed."}.Wire()
	replySPFTempError     = Response{Code: CodeLocalError, EnhancedCode: ESCTempSPFError, Message: "Temporary SPF validation error."}.Wire()
	replySPFPermError     = Response{Code: CodeMailboxNotFound, EnhancedCode: ESCSPFError, Message: "Permanent SPF validation error."}.Wire()
	replyStartTLS         = Response{Code: CodeServiceReady, EnhancedCode: ESCSuccess, Message: "Ready to start TLS."}.Wire()
	replyBye              = Response{Code: CodeServiceClosing, EnhancedCode: ESCSuccess, Message: "Bye."}.Wire()
	replyInvalidCommand   = Response{Code: CodeCommandUnrecognized, EnhancedCode: ESCBadCommandSequence, Message: "Invalid command."}.Wire()
	replyLineTooLong      = Response{Code: CodeCommandUnrecognized, EnhancedCode: ESCSyntaxError, Message: "Line too long."}.Wire()
	replyBadLineEnding    = Response{Code: CodeCommandUnrecognized, EnhancedCode: ESCSyntaxError, Message: "Line must end with CRLF."}.Wire()
	replyTooManyErrors    = Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempLocalError, Message: "Too many errors, disconnecting."}.Wire()
	replyRateLimited      = Response{Code: CodeServiceUnavailable, EnhancedCode: ESCTempRateLimited, Message: "Too many connections, try again later."}.Wire()
	replyNoop             = Response{Code: CodeOK, EnhancedCode: ESCSuccess, Message: "OK"}.Wire()
	replyRset             = Response{Code: CodeOK, EnhancedCode: ESCSuccess, Message: "OK"}.Wire()
	replyStartData        = Response{Code: CodeStartMailInput, Message: "Start mail input; end with <CRLF>.<CRLF>"}.Wire()
	replyAuthSuccess      = Response{Code: CodeAuthSuccess, EnhancedCode: ESCSecuritySuccess, Message: "Authentication succeeded."}.Wire()
	replyAuthFailed       = Response{Code: CodeAuthCredentialsInvalid, EnhancedCode: ESCAuthCredentialsInvalid, Message: "Authentication credentials invalid."}.Wire()
	replyAuthCancelled    = Response{Code: CodeSyntaxError, EnhancedCode: ESCSecurityError, Message: "Authentication cancelled."}.Wire()
	replyAuthRequired     = Response{Code: CodeAuthRequired, EnhancedCode: ESCSecurityError, Message: "Authentication required."}.Wire()
	replyDeliveryTempFail = Response{Code: CodeLocalError, EnhancedCode: ESCTempSystemNotCapable, Message: "Unable to accept message at this time."}.Wire()
)

// hostReply is a reply naming the local host before the text, as the
// session-ending replies do.
func hostReply(code SMTPCode, esc EnhancedCode, host, msg string) string {
	return Response{Code: code, EnhancedCode: esc, Message: host + " " + msg}.Wire()
}

// authChallenge is a SASL continuation line.
func authChallenge(challenge string) string {
	return Response{Code: CodeAuthContinue, Message: challenge}.Wire()
}

func replyBadSequence(msg string) string {
	return Response{Code: CodeBadSequence, EnhancedCode: ESCBadCommandSequence, Message: msg}.Wire()
}

func replySyntax(msg string) string {
	return Response{Code: CodeSyntaxError, EnhancedCode: ESCSyntaxError, Message: msg}.Wire()
}

func replyBadParam(msg string) string {
	return Response{Code: CodeParameterNotImpl, EnhancedCode: ESCInvalidArgs, Message: msg}.Wire()
}

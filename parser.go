package mxgate

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/synqronlabs/mxgate/utils"
)

// Command is an SMTP verb.
type Command string

const (
	CmdHelo     Command = "HELO"
	CmdEhlo     Command = "EHLO"
	CmdLhlo     Command = "LHLO"
	CmdMail     Command = "MAIL"
	CmdRcpt     Command = "RCPT"
	CmdData     Command = "DATA"
	CmdBdat     Command = "BDAT"
	CmdRset     Command = "RSET"
	CmdVrfy     Command = "VRFY"
	CmdExpn     Command = "EXPN"
	CmdHelp     Command = "HELP"
	CmdNoop     Command = "NOOP"
	CmdQuit     Command = "QUIT"
	CmdStartTLS Command = "STARTTLS"
	CmdAuth     Command = "AUTH"
)

// parseCommand splits a command line into verb and arguments.
func parseCommand(line string) (Command, string, error) {
	verb, args, _ := strings.Cut(line, " ")
	cmd, err := canonicalizeVerb(verb)
	return cmd, strings.TrimSpace(args), err
}

func canonicalizeVerb(verb string) (Command, error) {
	switch len(verb) {
	case 4:
		for _, c := range [...]Command{
			CmdEhlo, CmdHelo, CmdLhlo, CmdMail, CmdRcpt, CmdData, CmdBdat, CmdRset,
			CmdNoop, CmdQuit, CmdAuth, CmdVrfy, CmdExpn, CmdHelp,
		} {
			if strings.EqualFold(verb, string(c)) {
				return c, nil
			}
		}
	case 8:
		if strings.EqualFold(verb, string(CmdStartTLS)) {
			return CmdStartTLS, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCommand, verb)
}

// MailboxAddress is a "local-part@domain" address (RFC 5321 Section 4.1.2).
// Either part may hold UTF-8 when SMTPUTF8 is in use.
type MailboxAddress struct {
	LocalPart string
	Domain    string
}

func (m MailboxAddress) String() string {
	if m.LocalPart == "" && m.Domain == "" {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// Path is a reverse-path or forward-path. The zero Path is the null
// reverse-path "<>".
type Path struct {
	Mailbox MailboxAddress
}

// IsNull reports whether p is the null reverse-path used for bounces.
func (p Path) IsNull() bool {
	return p.Mailbox.LocalPart == "" && p.Mailbox.Domain == ""
}

func (p Path) String() string {
	if p.IsNull() {
		return "<>"
	}
	return "<" + p.Mailbox.String() + ">"
}

// IsASCII reports whether both address parts are ASCII.
func (p Path) IsASCII() bool {
	return !utils.ContainsNonASCII(p.Mailbox.LocalPart) && !utils.ContainsNonASCII(p.Mailbox.Domain)
}

// ParseAddress parses "user@domain", with or without a display name.
func ParseAddress(addr string) (MailboxAddress, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return MailboxAddress{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	i := strings.LastIndexByte(parsed.Address, '@')
	if i < 0 {
		return MailboxAddress{}, ErrInvalidAddress
	}
	return MailboxAddress{LocalPart: parsed.Address[:i], Domain: parsed.Address[i+1:]}, nil
}

// parsePathWithParams parses "<address> [KEY[=VALUE] ...]". Per RFC 3461
// Section 4.5, duplicate parameters are rejected. Keys are upper-cased.
func parsePathWithParams(s string) (Path, map[string]string, error) {
	start := strings.IndexByte(s, '<')
	end := strings.IndexByte(s, '>')
	if start == -1 || end == -1 || end < start {
		return Path{}, nil, ErrMissingBrackets
	}

	var path Path
	if address := s[start+1 : end]; address != "" {
		// Strip an RFC 5321 source route.
		if address[0] == '@' {
			if _, rest, ok := strings.Cut(address, ":"); ok {
				address = rest
			}
		}
		addr, err := ParseAddress(address)
		if err != nil {
			return Path{}, nil, err
		}
		path.Mailbox = addr
	}

	var params map[string]string
	if rest := strings.TrimSpace(s[end+1:]); rest != "" {
		params = make(map[string]string)
		for param := range strings.FieldsSeq(rest) {
			key, value, _ := strings.Cut(param, "=")
			key = strings.ToUpper(key)
			if _, exists := params[key]; exists {
				return Path{}, nil, fmt.Errorf("%w: %s", ErrDuplicateParam, key)
			}
			params[key] = value
		}
	}
	return path, params, nil
}

// cutPrefixFold removes a case-insensitive prefix such as "FROM:".
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

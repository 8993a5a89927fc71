// Package sasl implements the server side of the SASL mechanisms offered
// with the SMTP AUTH command (RFC 4954).
package sasl

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrAuthenticationCancelled is returned when the client sends "*".
	ErrAuthenticationCancelled = errors.New("sasl: authentication cancelled")
	ErrInvalidFormat           = errors.New("sasl: invalid authentication format")
	ErrInvalidBase64           = errors.New("sasl: invalid base64 encoding")
	ErrUnsupportedMechanism    = errors.New("sasl: unsupported mechanism")
)

// Mechanism names.
const (
	MechPlain = "PLAIN"
	MechLogin = "LOGIN"
)

// Credentials are the identities and password extracted from an exchange.
type Credentials struct {
	AuthorizationID  string
	AuthenticationID string
	Password         string
}

// Identity returns the effective identity for authorization.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Mechanism is one server-side SASL exchange. Challenges and responses are
// base64 text as carried on the wire.
type Mechanism interface {
	Name() string
	// Start begins the exchange. initial is the optional initial response;
	// "=" stands for an empty one.
	Start(initial string) (challenge string, done bool, err error)
	Next(response string) (challenge string, done bool, err error)
	Credentials() *Credentials
}

// New returns a fresh exchange for the named mechanism.
func New(name string) (Mechanism, error) {
	switch strings.ToUpper(name) {
	case MechPlain:
		return &plain{}, nil
	case MechLogin:
		return &login{}, nil
	}
	return nil, ErrUnsupportedMechanism
}

func decode(response string) ([]byte, error) {
	if response == "*" {
		return nil, ErrAuthenticationCancelled
	}
	if response == "=" {
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return b, nil
}

// plain implements RFC 4616: authzid NUL authcid NUL passwd.
type plain struct {
	creds *Credentials
}

func (p *plain) Name() string { return MechPlain }

func (p *plain) Start(initial string) (string, bool, error) {
	if initial == "" {
		return "", false, nil
	}
	return p.Next(initial)
}

func (p *plain) Next(response string) (string, bool, error) {
	decoded, err := decode(response)
	if err != nil {
		return "", true, err
	}
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return "", true, ErrInvalidFormat
	}
	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: string(parts[1]),
		Password:         string(parts[2]),
	}
	return "", true, nil
}

func (p *plain) Credentials() *Credentials { return p.creds }

const (
	// LoginChallengeUsername is "Username:" in base64.
	LoginChallengeUsername = "VXNlcm5hbWU6"
	// LoginChallengePassword is "Password:" in base64.
	LoginChallengePassword = "UGFzc3dvcmQ6"
)

// login implements the legacy LOGIN mechanism.
type login struct {
	username string
	haveUser bool
	creds    *Credentials
}

func (l *login) Name() string { return MechLogin }

func (l *login) Start(initial string) (string, bool, error) {
	if initial == "" {
		return LoginChallengeUsername, false, nil
	}
	return l.Next(initial)
}

func (l *login) Next(response string) (string, bool, error) {
	decoded, err := decode(response)
	if err != nil {
		return "", true, err
	}
	if !l.haveUser {
		l.username = string(decoded)
		l.haveUser = true
		return LoginChallengePassword, false, nil
	}
	if l.username == "" {
		return "", true, ErrInvalidFormat
	}
	l.creds = &Credentials{AuthenticationID: l.username, Password: string(decoded)}
	return "", true, nil
}

func (l *login) Credentials() *Credentials { return l.creds }

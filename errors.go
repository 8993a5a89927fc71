package mxgate

import "errors"

var (
	// ErrSessionClosed ends Ingest after the peer asked to quit or the
	// session must be dropped.
	ErrSessionClosed   = errors.New("smtp: session closed")
	ErrTooManyErrors   = errors.New("smtp: too many errors")
	ErrInvalidCommand  = errors.New("smtp: invalid command")
	ErrInvalidAddress  = errors.New("smtp: invalid address")
	ErrDuplicateParam  = errors.New("smtp: duplicate parameter")
	ErrMissingBrackets = errors.New("smtp: missing angle brackets")
)

// Package filter runs external content filters (milters and HTTP hooks)
// at the stages of an SMTP transaction.
package filter

import (
	"context"
	"errors"
	"net/netip"
	"slices"
)

// Stage is the transaction step a filter is consulted at.
type Stage string

const (
	StageConnect Stage = "connect"
	StageEhlo    Stage = "ehlo"
	StageMail    Stage = "mail"
	StageRcpt    Stage = "rcpt"
	StageData    Stage = "data"
)

// Kind distinguishes filter implementations for reporting.
type Kind string

const (
	KindMilter Kind = "milter"
	KindHook   Kind = "hook"
)

// TempFailReply is sent when a filter fails and is configured to
// temporarily reject on error.
const TempFailReply = "451 4.3.5 Unable to accept message at this time.\r\n"

var ErrUnreachable = errors.New("filter: unreachable")

// Envelope is what a filter sees of the session at a stage.
type Envelope struct {
	SessionID  string
	Listener   string
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	Hostname   string
	HeloDomain string
	TLS        bool
	AuthAs     string
	Sender     string
	SenderArgs []string
	Recipients []string
	Message    []byte
}

// Reject carries the literal reply a filter wants sent.
type Reject struct {
	Message string
}

// Filter is an external filter.
type Filter interface {
	Name() string
	Kind() Kind
	// Applies reports whether the filter runs at stage.
	Applies(stage Stage) bool
	// Run returns a non-nil Reject to refuse the stage. A non-nil error
	// means the filter could not be consulted.
	Run(ctx context.Context, stage Stage, env *Envelope) (*Reject, error)
	// TempFailOnError reports whether an error should reject the stage
	// with TempFailReply instead of continuing.
	TempFailOnError() bool
}

// Options are the settings shared by every filter kind.
type Options struct {
	Name            string
	Stages          []Stage
	TempFailOnError bool
}

func (o *Options) applies(stage Stage) bool {
	return len(o.Stages) == 0 || slices.Contains(o.Stages, stage)
}

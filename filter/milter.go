package filter

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-milter"
)

// MilterConfig configures a milter connection.
type MilterConfig struct {
	Options
	Network string // "tcp" or "unix"
	Address string
	Timeout time.Duration
}

// Milter consults a Sendmail milter. Each Run opens a fresh milter
// session and replays the transaction up to the requested stage. Stages
// after RCPT are not sent to milters.
type Milter struct {
	cfg    MilterConfig
	client *milter.Client
}

var _ Filter = (*Milter)(nil)

// NewMilter creates a milter filter. The connection is made lazily.
func NewMilter(cfg MilterConfig) *Milter {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Address
	}
	return &Milter{
		cfg: cfg,
		client: milter.NewClientWithOptions(cfg.Network, cfg.Address, milter.ClientOptions{
			Dialer:       &net.Dialer{Timeout: cfg.Timeout},
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		}),
	}
}

func (m *Milter) Name() string          { return m.cfg.Name }
func (m *Milter) Kind() Kind            { return KindMilter }
func (m *Milter) TempFailOnError() bool { return m.cfg.TempFailOnError }

func (m *Milter) Applies(stage Stage) bool {
	return stage != StageData && m.cfg.applies(stage)
}

func (m *Milter) Run(ctx context.Context, stage Stage, env *Envelope) (*Reject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session, err := m.client.Session()
	if err != nil {
		return nil, fmt.Errorf("%w: milter %s: %v", ErrUnreachable, m.cfg.Name, err)
	}
	defer session.Close()

	family := milter.FamilyInet
	if env.RemoteIP.Is6() {
		family = milter.FamilyInet6
	}
	hostname := env.Hostname
	if hostname == "" {
		hostname = "[" + env.RemoteIP.String() + "]"
	}

	act, err := session.Conn(hostname, family, env.RemotePort, env.RemoteIP.String())
	if done, rej, err := verdict(act, err); done || stage == StageConnect {
		return rej, err
	}

	act, err = session.Helo(env.HeloDomain)
	if done, rej, err := verdict(act, err); done || stage == StageEhlo {
		return rej, err
	}

	act, err = session.Mail("<"+env.Sender+">", env.SenderArgs)
	if done, rej, err := verdict(act, err); done || stage == StageMail {
		return rej, err
	}

	for _, rcpt := range env.Recipients {
		act, err = session.Rcpt("<"+rcpt+">", nil)
		if done, rej, err := verdict(act, err); done {
			return rej, err
		}
	}
	return nil, nil
}

// verdict interprets a milter action. done means no further commands
// should be sent for this filter.
func verdict(act *milter.Action, err error) (done bool, rej *Reject, _ error) {
	if err != nil {
		return true, nil, fmt.Errorf("milter: %w", err)
	}
	if act == nil {
		return false, nil, nil
	}
	switch act.Code {
	case milter.ActContinue, milter.ActSkip:
		return false, nil, nil
	case milter.ActAccept:
		return true, nil, nil
	case milter.ActTempFail:
		return true, &Reject{Message: TempFailReply}, nil
	case milter.ActReject, milter.ActDiscard:
		return true, &Reject{Message: "550 5.7.1 Command rejected.\r\n"}, nil
	case milter.ActReplyCode:
		text := strings.TrimRight(act.SMTPText, "\r\n")
		return true, &Reject{Message: fmt.Sprintf("%d %s\r\n", act.SMTPCode, text)}, nil
	}
	return false, nil, nil
}

// Package spool is a directory queue. Each accepted message is stored as
// "<id>.eml" with its envelope beside it in "<id>.yaml".
package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/synqronlabs/mxgate"
	"github.com/synqronlabs/mxgate/utils"
)

var ErrEmptyDir = errors.New("spool: directory not set")

// Spool writes messages into a directory. Safe for concurrent use.
type Spool struct {
	dir string
	ids *utils.IDGenerator
}

var _ mxgate.Deliverer = (*Spool)(nil)

// New creates dir when missing.
func New(dir string) (*Spool, error) {
	if dir == "" {
		return nil, ErrEmptyDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return &Spool{dir: dir, ids: utils.NewIDGenerator()}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// Envelope is the on-disk form of the SMTP envelope.
type Envelope struct {
	ID         string      `yaml:"id"`
	SessionID  string      `yaml:"session"`
	Listener   string      `yaml:"listener"`
	RemoteIP   string      `yaml:"remote-ip"`
	HeloDomain string      `yaml:"helo"`
	AuthAs     string      `yaml:"auth,omitempty"`
	From       string      `yaml:"from"`
	Recipients []Recipient `yaml:"recipients"`
	BodyType   string      `yaml:"body"`
	SMTPUTF8   bool        `yaml:"smtputf8,omitempty"`
	RequireTLS bool        `yaml:"requiretls,omitempty"`
	EnvID      string      `yaml:"envid,omitempty"`
	Ret        string      `yaml:"ret,omitempty"`
	ReceivedAt time.Time   `yaml:"received"`
}

type Recipient struct {
	Address string   `yaml:"address"`
	Notify  []string `yaml:"notify,omitempty"`
	ORcpt   string   `yaml:"orcpt,omitempty"`
}

// Deliver stores msg and returns its queue id. The body is renamed into
// place after the envelope, so a visible ".eml" always has an envelope.
func (s *Spool) Deliver(ctx context.Context, msg *mxgate.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := s.ids.Next().String()

	env := Envelope{
		ID:         id,
		SessionID:  msg.SessionID,
		Listener:   msg.Listener,
		HeloDomain: msg.HeloDomain,
		AuthAs:     msg.AuthAs,
		From:       msg.From.String(),
		BodyType:   string(msg.BodyType),
		SMTPUTF8:   msg.SMTPUTF8,
		RequireTLS: msg.RequireTLS,
		EnvID:      msg.EnvID,
		Ret:        msg.Ret,
		ReceivedAt: msg.ReceivedAt.UTC(),
	}
	if msg.RemoteIP.IsValid() {
		env.RemoteIP = msg.RemoteIP.String()
	}
	for _, r := range msg.Recipients {
		env.Recipients = append(env.Recipients, Recipient{
			Address: r.Path.String(),
			Notify:  r.Notify,
			ORcpt:   r.ORcpt,
		})
	}
	meta, err := yaml.Marshal(&env)
	if err != nil {
		return "", fmt.Errorf("spool: encode envelope: %w", err)
	}

	if err := s.writeFile(id+".yaml", meta); err != nil {
		return "", err
	}
	if err := s.writeFile(id+".eml", msg.Raw); err != nil {
		_ = os.Remove(filepath.Join(s.dir, id+".yaml"))
		return "", err
	}
	return id, nil
}

// Envelope reads back the envelope of id.
func (s *Spool) Envelope(id string) (*Envelope, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	env := &Envelope{}
	if err := yaml.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("spool: decode envelope %s: %w", id, err)
	}
	return env, nil
}

func (s *Spool) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	return nil
}

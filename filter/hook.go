package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HookConfig configures an HTTP MTA hook.
type HookConfig struct {
	Options
	URL       string
	Timeout   time.Duration
	AuthToken string
	Headers   map[string]string
	MaxBody   int64 // largest message sent at the data stage; 0 omits bodies
}

// Hook posts the envelope as JSON to a URL and obeys the returned action.
type Hook struct {
	cfg    HookConfig
	client *http.Client
}

var _ Filter = (*Hook)(nil)

// NewHook creates a hook filter.
func NewHook(cfg HookConfig) *Hook {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.URL
	}
	return &Hook{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (h *Hook) Name() string             { return h.cfg.Name }
func (h *Hook) Kind() Kind               { return KindHook }
func (h *Hook) TempFailOnError() bool    { return h.cfg.TempFailOnError }
func (h *Hook) Applies(stage Stage) bool { return h.cfg.applies(stage) }

type hookRequest struct {
	Stage    Stage        `json:"stage"`
	Session  hookSession  `json:"session"`
	Envelope hookEnvelope `json:"envelope"`
	Message  *string      `json:"message,omitempty"`
}

type hookSession struct {
	ID         string `json:"id"`
	Listener   string `json:"listener"`
	LocalPort  uint16 `json:"localPort"`
	RemoteIP   string `json:"remoteIp"`
	RemotePort uint16 `json:"remotePort"`
	Helo       string `json:"helo,omitempty"`
	TLS        bool   `json:"tls"`
	AuthAs     string `json:"authAs,omitempty"`
}

type hookEnvelope struct {
	From       string   `json:"from,omitempty"`
	FromArgs   []string `json:"fromArgs,omitempty"`
	Recipients []string `json:"to,omitempty"`
}

// Actions a hook may return.
const (
	HookAccept     = "accept"
	HookReject     = "reject"
	HookDiscard    = "discard"
	HookQuarantine = "quarantine"
)

type hookResponse struct {
	Action   string `json:"action"`
	Response *struct {
		Status   int    `json:"status"`
		Enhanced string `json:"enhancedStatus"`
		Message  string `json:"message"`
	} `json:"response,omitempty"`
}

func (h *Hook) Run(ctx context.Context, stage Stage, env *Envelope) (*Reject, error) {
	req := hookRequest{
		Stage: stage,
		Session: hookSession{
			ID:         env.SessionID,
			Listener:   env.Listener,
			LocalPort:  env.LocalPort,
			RemoteIP:   env.RemoteIP.String(),
			RemotePort: env.RemotePort,
			Helo:       env.HeloDomain,
			TLS:        env.TLS,
			AuthAs:     env.AuthAs,
		},
		Envelope: hookEnvelope{
			From:       env.Sender,
			FromArgs:   env.SenderArgs,
			Recipients: env.Recipients,
		},
	}
	if stage == StageData && h.cfg.MaxBody > 0 && int64(len(env.Message)) <= h.cfg.MaxBody {
		msg := string(env.Message)
		req.Message = &msg
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", h.cfg.Name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", h.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.AuthToken)
	}
	for k, v := range h.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: hook %s: %v", ErrUnreachable, h.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hook %s: unexpected status %s", h.cfg.Name, resp.Status)
	}

	var out hookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("hook %s: invalid response: %w", h.cfg.Name, err)
	}
	return out.reject(), nil
}

func (r *hookResponse) reject() *Reject {
	switch strings.ToLower(r.Action) {
	case HookReject, HookDiscard:
	default:
		return nil
	}
	status, enhanced, message := 503, "5.5.3", "Message rejected."
	if r.Response != nil {
		if r.Response.Status >= 400 && r.Response.Status < 600 {
			status = r.Response.Status
		}
		if r.Response.Enhanced != "" {
			enhanced = r.Response.Enhanced
		}
		if r.Response.Message != "" {
			message = strings.TrimRight(r.Response.Message, "\r\n")
		}
	}
	return &Reject{Message: fmt.Sprintf("%d %s %s\r\n", status, enhanced, message)}
}

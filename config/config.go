// Package config loads the gateway configuration from YAML and the
// environment and builds the runtime objects it describes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/synqronlabs/mxgate"
	"github.com/synqronlabs/mxgate/listener"
	"github.com/synqronlabs/mxgate/policy"
)

var (
	ErrNoListeners         = errors.New("config: no listeners configured")
	ErrDuplicateID         = errors.New("config: duplicate listener id")
	ErrMissingCert         = errors.New("config: TLS listener needs a certificate or ACME")
	ErrInvalidTLSMode      = errors.New("config: invalid tls mode")
	ErrUnsupportedProtocol = errors.New("config: unsupported listener protocol")
)

// DefaultPath is read when the CONFIG variable is unset.
var DefaultPath = "./config/config.yaml"

// Config is the whole gateway configuration.
type Config struct {
	Hostname string `yaml:"hostname" env:"MXGATE_HOSTNAME"`

	Log     LogConfig     `yaml:"log"`
	Admin   AdminConfig   `yaml:"admin"`
	TLS     TLSConfig     `yaml:"tls"`
	ACME    ACMEConfig    `yaml:"acme"`
	DNS     DNSConfig     `yaml:"dns"`
	Abuse   AbuseConfig   `yaml:"abuse"`
	Journal JournalConfig `yaml:"journal"`
	Spool   SpoolConfig   `yaml:"spool"`

	Listeners []ListenerConfig `yaml:"listeners"`

	// Session holds the per-session tunables. Each may be a scalar or an
	// if/else rule list.
	Session mxgate.Policy      `yaml:"session"`
	Scripts policy.RuleScripts `yaml:"scripts"`
	Milters []MilterConfig     `yaml:"milters"`
	Hooks   []HookConfig       `yaml:"hooks"`
	// Users maps login names to bcrypt hashes for AUTH.
	Users map[string]string `yaml:"users"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"MXGATE_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"MXGATE_LOG_FORMAT" env-default:"text"`
	// File enables a rotated log file next to stdout.
	File       string `yaml:"file" env:"MXGATE_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max-size-mb" env-default:"100"`
	MaxBackups int    `yaml:"max-backups" env-default:"5"`
	MaxAgeDays int    `yaml:"max-age-days" env-default:"30"`
}

type AdminConfig struct {
	// Addr of the metrics and health endpoint; empty disables it.
	Addr string `yaml:"addr" env:"MXGATE_ADMIN_ADDR" env-default:"127.0.0.1:9090"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert-file" env:"MXGATE_TLS_CERT"`
	KeyFile  string `yaml:"key-file" env:"MXGATE_TLS_KEY"`
	// HandshakeTimeout bounds implicit and STARTTLS handshakes.
	HandshakeTimeout time.Duration `yaml:"handshake-timeout" env-default:"30s"`
}

type ACMEConfig struct {
	Enabled      bool     `yaml:"enabled" env:"MXGATE_ACME"`
	Domains      []string `yaml:"domains"`
	Email        string   `yaml:"email"`
	CacheDir     string   `yaml:"cache-dir" env-default:"./acme"`
	DirectoryURL string   `yaml:"directory-url"`
}

type DNSConfig struct {
	Nameservers []string      `yaml:"nameservers"`
	Timeout     time.Duration `yaml:"timeout" env-default:"5s"`
	// SPFTimeout bounds one complete SPF evaluation.
	SPFTimeout time.Duration `yaml:"spf-timeout" env-default:"20s"`
	// DisableSPF skips every SPF check regardless of the session policy.
	DisableSPF bool `yaml:"disable-spf"`
}

type AbuseConfig struct {
	// BlockList networks are dropped on accept.
	BlockList []string `yaml:"blocklist"`
	// ConnectionRate limits new sessions per address in RateWindow; 0
	// disables the limit.
	ConnectionRate int           `yaml:"connection-rate"`
	RateWindow     time.Duration `yaml:"rate-window" env-default:"1m"`
	// LoiterLimit sessions exceeding their duration in LoiterWindow ban
	// the address for LoiterBan; 0 disables banning.
	LoiterLimit  int           `yaml:"loiter-limit"`
	LoiterWindow time.Duration `yaml:"loiter-window" env-default:"1h"`
	LoiterBan    time.Duration `yaml:"loiter-ban" env-default:"24h"`
}

type JournalConfig struct {
	// File enables the MessagePack event journal.
	File      string `yaml:"file" env:"MXGATE_JOURNAL"`
	Buffer    int    `yaml:"buffer" env-default:"4096"`
	MaxSizeMB int    `yaml:"max-size-mb" env-default:"256"`
}

type SpoolConfig struct {
	Dir string `yaml:"dir" env:"MXGATE_SPOOL" env-default:"./spool"`
}

// ListenerConfig describes one listener instance.
type ListenerConfig struct {
	ID       string            `yaml:"id"`
	Protocol listener.Protocol `yaml:"protocol"`
	Bind     []string          `yaml:"bind"`
	// TLS is "none", "starttls" or "implicit".
	TLS            string   `yaml:"tls"`
	MaxConnections uint64   `yaml:"max-connections"`
	ProxyNetworks  []string `yaml:"proxy-networks"`
}

// TLS modes of a listener.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
)

type MilterConfig struct {
	Name            string        `yaml:"name"`
	Network         string        `yaml:"network"`
	Address         string        `yaml:"address"`
	Timeout         time.Duration `yaml:"timeout"`
	Stages          []string      `yaml:"stages"`
	TempFailOnError bool          `yaml:"tempfail-on-error"`
}

type HookConfig struct {
	Name            string            `yaml:"name"`
	URL             string            `yaml:"url"`
	Timeout         time.Duration     `yaml:"timeout"`
	AuthToken       string            `yaml:"auth-token"`
	Headers         map[string]string `yaml:"headers"`
	MaxBody         int64             `yaml:"max-body"`
	Stages          []string          `yaml:"stages"`
	TempFailOnError bool              `yaml:"tempfail-on-error"`
}

// Load reads the file named by CONFIG, or DefaultPath, then its ".local"
// overlay, then the environment. Without any file only the environment
// is read.
func Load(logger *slog.Logger) (*Config, error) {
	cfg := &Config{}
	configFile, exists := os.LookupEnv("CONFIG")
	if !exists {
		cwd, _ := os.Getwd()
		candidate := path.Join(cwd, DefaultPath)
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			configFile = candidate
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config: stat %s: %w", candidate, err)
		default:
			logger.Warn("config file not found, reading environment only", slog.String("path", candidate))
			if err := cleanenv.ReadEnv(cfg); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
			return cfg, cfg.Validate()
		}
	}
	if err := LoadFile(configFile, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads file and its ".local" overlay into cfg, then applies the
// environment.
func LoadFile(file string, cfg *Config) error {
	if err := cleanenv.ReadConfig(file, cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ext := path.Ext(file)
	local := file[:len(file)-len(ext)] + ".local" + ext
	if _, err := os.Stat(local); err == nil {
		if err := cleanenv.ReadConfig(local, cfg); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Validate checks what Build cannot recover from.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return ErrNoListeners
	}
	seen := make(map[string]bool, len(c.Listeners))
	for i := range c.Listeners {
		l := &c.Listeners[i]
		if l.ID == "" {
			l.ID = fmt.Sprintf("%s-%d", l.Protocol, i)
		}
		if seen[l.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, l.ID)
		}
		seen[l.ID] = true
		if l.Protocol != listener.ProtocolSMTP && l.Protocol != listener.ProtocolLMTP {
			return fmt.Errorf("%w %s on %s", ErrUnsupportedProtocol, l.Protocol, l.ID)
		}
		if len(l.Bind) == 0 {
			return fmt.Errorf("config: listener %s has no bind address", l.ID)
		}
		switch l.TLS {
		case "", TLSNone:
		case TLSStartTLS, TLSImplicit:
			if !c.ACME.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
				return fmt.Errorf("%w: %s", ErrMissingCert, l.ID)
			}
		default:
			return fmt.Errorf("%w %q on %s", ErrInvalidTLSMode, l.TLS, l.ID)
		}
	}
	return nil
}
